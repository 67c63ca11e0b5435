package controller

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// FakeFleet is an in-memory fleet. Started workers boot as INITIALIZING and
// report IDLING from the next snapshot on.
type FakeFleet struct {
	Logger  *zap.Logger
	workers *xsync.Map[scaling.WorkerID, scaling.WorkerState]
	seq     atomic.Uint64
}

var _ Fleet = (*FakeFleet)(nil)

// NewFakeFleet creates a new fake fleet.
func NewFakeFleet(logger *zap.Logger) *FakeFleet {
	return &FakeFleet{
		Logger:  logger.With(zap.String("component", "fake_fleet")),
		workers: xsync.NewMap[scaling.WorkerID, scaling.WorkerState](),
	}
}

// Start adds a worker.
func (f *FakeFleet) Start(_ context.Context) (scaling.WorkerID, error) {
	id := scaling.WorkerID(fmt.Sprintf("fake-worker-%04d", f.seq.Add(1)))
	f.workers.Store(id, scaling.Initializing)
	f.Logger.Info("worker started", zap.String("worker_id", id.String()))
	return id, nil
}

// Stop removes a worker, or returns ErrWorkerNotFound if it does not exist.
func (f *FakeFleet) Stop(_ context.Context, id scaling.WorkerID) error {
	if _, ok := f.workers.LoadAndDelete(id); !ok {
		return fmt.Errorf("fake worker %s: %w", id, scaling.ErrWorkerNotFound)
	}
	f.Logger.Info("worker stopped", zap.String("worker_id", id.String()))
	return nil
}

// Workers returns the current snapshot and then promotes booting workers to IDLING.
func (f *FakeFleet) Workers(_ context.Context) (scaling.Workers, error) {
	snapshot := make(scaling.Workers, f.workers.Size())
	f.workers.Range(func(id scaling.WorkerID, state scaling.WorkerState) bool {
		snapshot[id] = state
		return true
	})
	for id, state := range snapshot {
		if state == scaling.Initializing {
			f.workers.Compute(id, func(old scaling.WorkerState, loaded bool) (scaling.WorkerState, xsync.ComputeOp) {
				if !loaded {
					return old, xsync.CancelOp
				}
				if old == scaling.Initializing {
					return scaling.Idling, xsync.UpdateOp
				}
				return old, xsync.CancelOp
			})
		}
	}
	return snapshot, nil
}

// SetState overrides the state of a worker, adding it if unknown.
func (f *FakeFleet) SetState(id scaling.WorkerID, state scaling.WorkerState) {
	f.workers.Store(id, state)
}

// Close is a no-op.
func (f *FakeFleet) Close() error { return nil }
