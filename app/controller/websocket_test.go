package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/redis"
	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHistory struct {
	entries []goredis.XMessage
	err     error
	calls   int
}

func (h *fakeHistory) XRevRange(_ context.Context, _ string, count int64) ([]goredis.XMessage, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if int64(len(h.entries)) > count {
		return h.entries[:count], nil
	}
	return h.entries, nil
}

func newFeedApp(t *testing.T) *App {
	return &App{
		Config:  Config{ReportStream: DefaultReportStream},
		Reports: xsync.NewMap[string, CycleReport](),
		Logger:  zaptest.NewLogger(t),
	}
}

func TestSnapshotPayloadPrefersInMemoryReport(t *testing.T) {
	app := newFeedApp(t)
	app.Reports.Store(reportKeyLast, CycleReport{Cycle: 4, Action: scaling.KindScaleUp})
	history := &fakeHistory{entries: []goredis.XMessage{{ID: "1-0", Values: map[string]interface{}{"data": `{"cycle":1}`}}}}

	data := app.snapshotPayload(context.Background(), history)

	var report CycleReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, uint64(4), report.Cycle)
	require.Zero(t, history.calls)
}

func TestSnapshotPayloadFallsBackToStreamHistory(t *testing.T) {
	app := newFeedApp(t)
	history := &fakeHistory{entries: []goredis.XMessage{
		{ID: "9-0", Values: map[string]interface{}{"action": scaling.KindScaleDown, "data": `{"cycle":9,"action":"scale_down"}`}},
		{ID: "8-0", Values: map[string]interface{}{"data": `{"cycle":8}`}},
	}}

	data := app.snapshotPayload(context.Background(), history)

	require.JSONEq(t, `{"cycle":9,"action":"scale_down"}`, string(data))
	require.Equal(t, 1, history.calls)
}

func TestSnapshotPayloadEmpty(t *testing.T) {
	app := newFeedApp(t)
	ctx := context.Background()

	require.Nil(t, app.snapshotPayload(ctx, nil))
	require.Nil(t, app.snapshotPayload(ctx, &fakeHistory{}))
	require.Nil(t, app.snapshotPayload(ctx, &fakeHistory{err: errors.New("READONLY")}))
	require.Nil(t, app.snapshotPayload(ctx, &fakeHistory{entries: []goredis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"data": "not json"}},
	}}))
}

func TestForwardReportsSkipsEntriesWithoutJSON(t *testing.T) {
	send := make(chan ServerMessage, 4)
	handle := forwardReports(send)
	ctx := context.Background()

	require.NoError(t, handle(ctx, redis.Message{ID: "1-0", Values: map[string]interface{}{"data": `{"cycle":1}`}}))
	require.NoError(t, handle(ctx, redis.Message{ID: "2-0", Values: map[string]interface{}{"action": "no_action"}}))
	require.NoError(t, handle(ctx, redis.Message{ID: "3-0", Values: map[string]interface{}{"data": "{truncated"}}))
	require.NoError(t, handle(ctx, redis.Message{ID: "4-0", Values: map[string]interface{}{"data": []byte(`{"cycle":4}`)}}))

	require.Len(t, send, 2)
	first := <-send
	require.Equal(t, MessageCycle, first.Type)
	require.JSONEq(t, `{"cycle":1}`, string(first.Payload))
	require.JSONEq(t, `{"cycle":4}`, string((<-send).Payload))
}

func TestForwardReportsStopsWhenClientIsGone(t *testing.T) {
	send := make(chan ServerMessage) // nobody reads
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := forwardReports(send)(ctx, redis.Message{Values: map[string]interface{}{"data": `{"cycle":1}`}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteMessagesDeliversToClient(t *testing.T) {
	app := newFeedApp(t)
	send := make(chan ServerMessage, 2)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		app.writeMessages(conn, send, func() {})
		close(done)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	send <- ServerMessage{Type: MessageSnapshot, Payload: json.RawMessage(`{"cycle":2}`)}
	send <- ServerMessage{Type: MessageCycle, Payload: json.RawMessage(`{"cycle":3}`)}
	close(send)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got ServerMessage
	require.NoError(t, client.ReadJSON(&got))
	require.Equal(t, MessageSnapshot, got.Type)
	require.JSONEq(t, `{"cycle":2}`, string(got.Payload))
	require.NoError(t, client.ReadJSON(&got))
	require.Equal(t, MessageCycle, got.Type)
	require.JSONEq(t, `{"cycle":3}`, string(got.Payload))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not return after the channel closed")
	}
}
