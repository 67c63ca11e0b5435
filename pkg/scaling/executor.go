package scaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// ActionProvider yields the action to execute in the current cycle.
// It must not fail: implementations fall back to NoAction when they cannot decide.
type ActionProvider interface {
	Get(ctx context.Context) Action
}

// WorkerOperator starts and stops workers in the backend.
// Stop returns an error matching ErrWorkerNotFound when the worker is already gone.
type WorkerOperator interface {
	Start(ctx context.Context) (WorkerID, error)
	Stop(ctx context.Context, id WorkerID) error
}

// ActionProviderFunc adapts a function to ActionProvider.
type ActionProviderFunc func(ctx context.Context) Action

// Get calls f(ctx).
func (f ActionProviderFunc) Get(ctx context.Context) Action { return f(ctx) }

// Executor carries out one scaling action per Run against a WorkerOperator.
// Every start/stop is attempted exactly once; failures are logged and left for the next cycle.
type Executor struct {
	provider         ActionProvider
	operator         WorkerOperator
	logger           *zap.Logger
	startConcurrency int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger used to report failed operations.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStartConcurrency runs up to n start attempts in parallel. n <= 1 keeps them sequential.
func WithStartConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 1 {
			e.startConcurrency = n
		} else {
			e.startConcurrency = 1
		}
	}
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(provider ActionProvider, operator WorkerOperator, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:         provider,
		operator:         operator,
		logger:           zap.NewNop(),
		startConcurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run obtains the current action and executes it. It never returns an error;
// the result only lists operations confirmed complete.
func (e *Executor) Run(ctx context.Context) Result {
	action := e.provider.Get(ctx)
	if action == nil {
		action = NoAction{}
	}

	res := Result{Action: action}
	switch a := action.(type) {
	case NoAction:
	case ScaleUp:
		res.WorkersStarted, res.StartFailures = e.startWorkers(ctx, a.WorkersToAdd)
	case ScaleDown:
		res.WorkersStopped, res.StopFailures = e.stopWorkers(ctx, a.WorkersToStop)
	default:
		e.logger.Warn("unknown scaling action ignored", zap.String("action", fmt.Sprintf("%T", action)))
	}
	return res
}

func (e *Executor) startWorkers(ctx context.Context, count int) ([]WorkerID, int) {
	if count <= 0 {
		return []WorkerID{}, 0
	}

	ids := make([]WorkerID, count)
	errs := make([]error, count)
	if e.startConcurrency > 1 && count > 1 {
		e.startParallel(ctx, ids, errs)
	} else {
		for i := range ids {
			ids[i], errs[i] = e.startOne(ctx, i)
		}
	}

	started := make([]WorkerID, 0, count)
	failures := 0
	for i := range ids {
		if errs[i] != nil {
			failures++
			continue
		}
		started = append(started, ids[i])
	}
	return started, failures
}

// startParallel runs all start attempts on a bounded pool. Slots are indexed by attempt so
// the reported order does not depend on completion order, and one failure never cancels the rest.
func (e *Executor) startParallel(ctx context.Context, ids []WorkerID, errs []error) {
	workers := e.startConcurrency
	if workers > len(ids) {
		workers = len(ids)
	}
	pool := pond.NewPool(workers, pond.WithQueueSize(len(ids)))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for i := range ids {
		i := i
		errs[i] = errStartNotAttempted
		group.Submit(func() {
			ids[i], errs[i] = e.startOne(ctx, i)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("start group finished with error", zap.Error(err))
	}
}

var errStartNotAttempted = errors.New("start not attempted")

func (e *Executor) startOne(ctx context.Context, attempt int) (id WorkerID, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("start panicked: %v", rec)
		}
		if err != nil {
			e.logger.Warn("failed to start worker",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		}
	}()

	e.logger.Debug("starting worker", zap.Int("attempt", attempt))
	id, err = e.operator.Start(ctx)
	if err != nil {
		return "", err
	}
	e.logger.Info("worker started", zap.String("worker_id", id.String()), zap.Duration("elapsed", time.Since(start)))
	return id, nil
}

func (e *Executor) stopWorkers(ctx context.Context, ids []WorkerID) ([]WorkerID, int) {
	stopped := make([]WorkerID, 0, len(ids))
	failures := 0
	for _, id := range ids {
		if err := e.stopOne(ctx, id); err != nil {
			failures++
			continue
		}
		stopped = append(stopped, id)
	}
	return stopped, failures
}

// stopOne returns nil when the worker is gone, whether stopped now or already absent.
func (e *Executor) stopOne(ctx context.Context, id WorkerID) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stop panicked: %v", rec)
			e.logger.Warn("failed to stop worker", zap.String("worker_id", id.String()), zap.Error(err))
		}
	}()

	e.logger.Debug("stopping worker", zap.String("worker_id", id.String()))
	err = e.operator.Stop(ctx, id)
	switch {
	case err == nil:
		e.logger.Info("worker stopped", zap.String("worker_id", id.String()))
		return nil
	case errors.Is(err, ErrWorkerNotFound):
		e.logger.Info("worker already gone, stop considered successful", zap.String("worker_id", id.String()))
		return nil
	default:
		e.logger.Warn("failed to stop worker", zap.String("worker_id", id.String()), zap.Error(err))
		return err
	}
}
