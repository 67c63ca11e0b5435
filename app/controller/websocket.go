package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/redis"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server message types.
const (
	MessageCycle    = "cycle.finished"
	MessageSnapshot = "cycle.snapshot"
	MessagePing     = "ping"
)

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandleWebSocket streams cycle reports to the client as they are appended to the report stream.
//
// Server sends:
// - {"type": "cycle.snapshot", "payload": {...}}   // latest report, once on connect
// - {"type": "cycle.finished", "payload": {...}}   // every subsequent cycle
// - {"type": "ping", "payload": {"timestamp": 1234567890}}
func (a *App) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.Redis == nil {
		http.Error(w, "Cycle feed not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			a.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	a.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan ServerMessage, 64)
	if data := a.snapshotPayload(ctx, a.Redis); data != nil {
		send <- ServerMessage{Type: MessageSnapshot, Payload: data}
	}

	var wg sync.WaitGroup
	guard := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					a.Logger.Error("Panic in websocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}

	// the writer owns the connection for writes; pings go through the same channel
	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		a.writeMessages(conn, send, cancel)
	}()

	guard("tail", func() { a.tailReports(ctx, send) })
	guard("ping", func() { sendPings(ctx, conn, send) })
	guard("unblock", func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	})

	// blocks until the client goes away
	a.readClientMessages(ctx, conn, cancel)

	cancel()
	wg.Wait()
	close(send)
	writerDone.Wait()

	a.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// reportHistory reads past entries of the report stream.
type reportHistory interface {
	XRevRange(ctx context.Context, stream string, count int64) ([]goredis.XMessage, error)
}

// snapshotPayload returns the latest report: the in-memory one, or the newest stream entry
// when this process has not completed a cycle yet. Nil when neither exists.
func (a *App) snapshotPayload(ctx context.Context, history reportHistory) json.RawMessage {
	if last, ok := a.LastReport(); ok {
		data, err := json.Marshal(last)
		if err != nil {
			a.Logger.Warn("snapshot encode failed", zap.Error(err))
			return nil
		}
		return data
	}
	if history == nil {
		return nil
	}
	entries, err := history.XRevRange(ctx, a.Config.ReportStream, 1)
	if err != nil {
		a.Logger.Warn("report history read failed", zap.String("stream", a.Config.ReportStream), zap.Error(err))
		return nil
	}
	if len(entries) == 0 {
		return nil
	}
	msg := redis.Message{ID: entries[0].ID, Stream: a.Config.ReportStream, Values: entries[0].Values}
	data := msg.GetData()
	if data == nil || !json.Valid(data) {
		return nil
	}
	return data
}

// tailReports forwards new entries of the report stream to send.
func (a *App) tailReports(ctx context.Context, send chan<- ServerMessage) {
	tail, err := redis.NewStreamTail(a.Redis, redis.StreamTailConfig{
		Stream: a.Config.ReportStream,
		LastID: "$",
		Block:  5 * time.Second,
		Logger: a.Logger,
	})
	if err != nil {
		a.Logger.Error("report tail setup failed", zap.Error(err))
		return
	}
	err = tail.Run(ctx, forwardReports(send))
	if err != nil && ctx.Err() == nil {
		a.Logger.Warn("report tail stopped", zap.Error(err))
	}
}

// forwardReports turns stream entries into cycle messages; entries without a JSON payload are skipped.
func forwardReports(send chan<- ServerMessage) redis.MessageHandler {
	return func(ctx context.Context, msg redis.Message) error {
		data := msg.GetData()
		if data == nil || !json.Valid(data) {
			return nil
		}
		select {
		case send <- ServerMessage{Type: MessageCycle, Payload: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}

// sendPings emits a control ping (answered by the client's pong, which extends the read deadline)
// and an application-level ping message.
func sendPings(ctx context.Context, conn *websocket.Conn, send chan<- ServerMessage) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, t.Add(wsWriteWait)); err != nil {
				return
			}
			payload, _ := json.Marshal(map[string]int64{"timestamp": t.Unix()})
			select {
			case send <- ServerMessage{Type: MessagePing, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *App) writeMessages(conn *websocket.Conn, send <-chan ServerMessage, cancel context.CancelFunc) {
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			a.Logger.Debug("WebSocket write failed", zap.Error(err))
			cancel()
			_ = conn.Close()
			// keep draining so producers never block
			for range send {
			}
			return
		}
	}
}

// readClientMessages discards client input and returns when the connection closes.
func (a *App) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
