package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/redis"
	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/canopy-network/fleetscaler/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultReportStream is the Redis stream cycle reports are appended to.
const DefaultReportStream = "fleetscaler:cycles"

// reportKeyLast indexes the most recent report; other keys are action kinds.
const reportKeyLast = "last"

// Config holds the control loop settings.
type Config struct {
	// Addr is <ip>:<port> or :<port> for the HTTP server.
	Addr string
	// CronSpec uses the optional seconds field.
	CronSpec string
	// CycleTimeout bounds a single resolve-and-execute cycle.
	CycleTimeout time.Duration
	// MaxWorkers caps scale-up. Zero means unbounded.
	MaxWorkers int
	// StartConcurrency is the number of parallel start attempts per cycle.
	StartConcurrency int
	// ReportStream is the Redis stream receiving cycle reports.
	ReportStream string
}

// LoadConfig reads the control loop settings from the environment.
func LoadConfig() Config {
	return Config{
		Addr:             utils.Env("ADDR", ":3002"),
		CronSpec:         utils.Env("SCALER_CRON_SPEC", "*/15 * * * * *"),
		CycleTimeout:     utils.EnvDuration("SCALER_CYCLE_TIMEOUT", 25*time.Second),
		MaxWorkers:       utils.EnvInt("SCALER_MAX_WORKERS", 0),
		StartConcurrency: utils.EnvInt("SCALER_START_CONCURRENCY", 1),
		ReportStream:     utils.Env("SCALER_REPORT_STREAM", DefaultReportStream),
	}
}

// ReportPublisher receives cycle reports. Publishing is best-effort.
type ReportPublisher interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

// App resolves and executes one scaling action per Cron tick.
type App struct {
	Config Config

	// Cron is the scheduler that triggers scaling cycles at specified intervals, according to Config.CronSpec.
	Cron *cron.Cron

	// Fleet (fake or k8s) is both observed and operated.
	Fleet    Fleet
	Executor *scaling.Executor

	// Redis is optional; when set, reports are streamed and /ws/cycles is available.
	Redis     *redis.Client
	Publisher ReportPublisher

	// Reports keeps the last report overall and per action kind.
	Reports *xsync.Map[string, CycleReport]
	cycles  atomic.Uint64

	// Logger is used to log messages, errors, and events during the application's lifecycle and operations.
	Logger *zap.Logger

	// Server is the HTTP server that serves the API.
	Server *http.Server
}

// Initialize wires the control loop over the given fleet and workload source.
// Cycles run under ctx; rdb may be nil.
func Initialize(ctx context.Context, cfg Config, logger *zap.Logger, fleet Fleet, workload WorkloadSource, rdb *redis.Client) (*App, error) {
	logger = logger.With(zap.String("component", "controller"))

	provider := &SnapshotProvider{
		Workload: workload,
		Fleet:    fleet,
		Resolver: scaling.Resolver{MaxWorkers: cfg.MaxWorkers},
		Logger:   logger,
	}

	app := &App{
		Config: cfg,
		Fleet:  fleet,
		Executor: scaling.NewExecutor(provider, fleet,
			scaling.WithLogger(logger.With(zap.String("component", "executor"))),
			scaling.WithStartConcurrency(cfg.StartConcurrency),
		),
		Redis:   rdb,
		Reports: xsync.NewMap[string, CycleReport](),
		Logger:  logger,
	}
	if rdb != nil {
		app.Publisher = rdb
	}

	if err := app.SetupScheduler(ctx, cfg.CronSpec); err != nil {
		return nil, err
	}
	return app, nil
}

// SetupScheduler sets up the cron scheduler. Ticks that arrive while a cycle is still running are skipped.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string) error {
	logger := NewCronLogger(a.Logger)
	// Seconds field, optional
	a.Cron = cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := a.Cron.AddFunc(cronSpec, func() {
		a.RunCycle(ctx)
	})
	return err
}

// RunCycle performs one resolve-and-execute cycle, bounded by Config.CycleTimeout.
func (a *App) RunCycle(ctx context.Context) CycleReport {
	if a.Config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.CycleTimeout)
		defer cancel()
	}

	start := time.Now()
	res := a.Executor.Run(ctx)
	report := NewCycleReport(a.cycles.Add(1), start, res, time.Since(start))

	a.Reports.Store(reportKeyLast, report)
	a.Reports.Store(report.Action, report)
	a.logReport(report)
	a.publish(ctx, report)
	return report
}

func (a *App) logReport(r CycleReport) {
	fields := []zap.Field{
		zap.Uint64("cycle", r.Cycle),
		zap.String("action", r.Action),
		zap.Int("requested", r.Requested),
		zap.Int("started", len(r.Started)),
		zap.Int("stopped", len(r.Stopped)),
		zap.Float64("elapsed_ms", r.ElapsedMs),
	}
	if r.Drift() > 0 {
		a.Logger.Warn("cycle finished with drift", append(fields, zap.Int("drift", r.Drift()))...)
		return
	}
	if r.Action == scaling.KindNoAction {
		a.Logger.Debug("cycle finished", fields...)
		return
	}
	a.Logger.Info("cycle finished", fields...)
}

func (a *App) publish(ctx context.Context, r CycleReport) {
	if a.Publisher == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		a.Logger.Warn("report encode failed", zap.Error(err))
		return
	}
	// detached from the cycle deadline so a slow cycle still gets reported
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	a.Publisher.XAdd(pctx, a.Config.ReportStream, map[string]interface{}{
		"action": r.Action,
		"data":   string(data),
	})
}

// Cycles returns the number of completed cycles.
func (a *App) Cycles() uint64 { return a.cycles.Load() }

// LastReport returns the most recent cycle report, if any.
func (a *App) LastReport() (CycleReport, bool) {
	return a.Reports.Load(reportKeyLast)
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")
	r.HandleFunc("/status", a.HandleStatus).Methods("GET")
	r.HandleFunc("/ws/cycles", a.HandleWebSocket).Methods("GET")

	a.Server = &http.Server{Addr: a.Config.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Cycles        uint64       `json:"cycles"`
	Last          *CycleReport `json:"last,omitempty"`
	LastScaleUp   *CycleReport `json:"last_scale_up,omitempty"`
	LastScaleDown *CycleReport `json:"last_scale_down,omitempty"`
}

// HandleStatus returns the latest cycle reports.
func (a *App) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Cycles: a.Cycles()}
	if r, ok := a.Reports.Load(reportKeyLast); ok {
		resp.Last = &r
	}
	if r, ok := a.Reports.Load(scaling.KindScaleUp); ok {
		resp.LastScaleUp = &r
	}
	if r, ok := a.Reports.Load(scaling.KindScaleDown); ok {
		resp.LastScaleDown = &r
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.Logger.Warn("status encode failed", zap.Error(err))
	}
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.Config.CronSpec))
}

// StopCron stops the cron scheduler, waiting for a running cycle to finish.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	_ = a.Fleet.Close()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}

// Ready reports whether at least one cycle has completed and, when configured, Redis answers.
func (a *App) Ready(ctx context.Context) bool {
	if a.Cycles() == 0 {
		return false
	}
	if a.Redis == nil {
		return true
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Redis.Health(hctx); err != nil {
		a.Logger.Warn("redis health check failed", zap.Error(err))
		return false
	}
	return true
}

// Start serves HTTP until ctx is done, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("http server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.Logger.Info("shutting down…")
	a.StopCron()
	a.Logger.Info("さようなら!")
}
