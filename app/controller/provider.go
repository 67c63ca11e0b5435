package controller

import (
	"context"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"go.uber.org/zap"
)

// SnapshotProvider gathers fresh workload and fleet snapshots and resolves them into an action.
// It never fails: any snapshot or validation error yields NoAction for this cycle.
type SnapshotProvider struct {
	Workload WorkloadSource
	Fleet    FleetSource
	Resolver scaling.Resolver
	Logger   *zap.Logger
}

var _ scaling.ActionProvider = (*SnapshotProvider)(nil)

// Get implements scaling.ActionProvider.
func (p *SnapshotProvider) Get(ctx context.Context) scaling.Action {
	workload, err := p.Workload.Workload(ctx)
	if err != nil {
		p.Logger.Warn("workload snapshot failed, skipping cycle", zap.Error(err))
		return scaling.NoAction{}
	}
	workers, err := p.Fleet.Workers(ctx)
	if err != nil {
		p.Logger.Warn("fleet snapshot failed, skipping cycle", zap.Error(err))
		return scaling.NoAction{}
	}

	action, err := p.Resolver.Resolve(workload, workers)
	if err != nil {
		p.Logger.Error("resolve failed, skipping cycle",
			zap.Int("waiting_requests", workload.WaitingRequests),
			zap.Duration("avg_job_duration", workload.AverageJobDuration),
			zap.Error(err))
		return scaling.NoAction{}
	}

	fields := []zap.Field{
		zap.String("action", action.Kind()),
		zap.Int("waiting_requests", workload.WaitingRequests),
		zap.Duration("avg_job_duration", workload.AverageJobDuration),
		zap.Int("workers_total", len(workers)),
		zap.Int("workers_active", scaling.ActiveWorkers(workers)),
	}
	switch a := action.(type) {
	case scaling.ScaleUp:
		p.Logger.Info("scale up resolved", append(fields, zap.Int("workers_to_add", a.WorkersToAdd))...)
	case scaling.ScaleDown:
		p.Logger.Info("scale down resolved", append(fields, zap.Int("workers_to_stop", len(a.WorkersToStop)))...)
	default:
		p.Logger.Debug("no scaling needed", fields...)
	}
	return action
}
