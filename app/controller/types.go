package controller

import (
	"context"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
)

// WorkloadSource produces the workload snapshot for one cycle.
type WorkloadSource interface {
	Workload(ctx context.Context) (scaling.Workload, error)
}

// FleetSource produces the worker snapshot for one cycle.
type FleetSource interface {
	Workers(ctx context.Context) (scaling.Workers, error)
}

// Fleet is a worker backend: it can be observed and operated.
// Implementations may talk to Kubernetes or simulate workers in memory.
type Fleet interface {
	FleetSource
	scaling.WorkerOperator
	// Close releases any Fleet resources.
	Close() error
}

// CycleReport summarizes one resolve-and-execute cycle.
type CycleReport struct {
	Cycle         uint64             `json:"cycle"`
	At            time.Time          `json:"at"`
	Action        string             `json:"action"`
	Requested     int                `json:"requested"`
	Started       []scaling.WorkerID `json:"started"`
	Stopped       []scaling.WorkerID `json:"stopped"`
	StartFailures int                `json:"start_failures"`
	StopFailures  int                `json:"stop_failures"`
	ElapsedMs     float64            `json:"elapsed_ms"`
}

// Drift is how many requested operations were not confirmed this cycle.
func (r CycleReport) Drift() int {
	return r.Requested - len(r.Started) - len(r.Stopped)
}

// NewCycleReport builds the report of a finished cycle.
func NewCycleReport(cycle uint64, at time.Time, res scaling.Result, elapsed time.Duration) CycleReport {
	report := CycleReport{
		Cycle:         cycle,
		At:            at.UTC(),
		Action:        scaling.KindNoAction,
		Started:       nonNil(res.WorkersStarted),
		Stopped:       nonNil(res.WorkersStopped),
		StartFailures: res.StartFailures,
		StopFailures:  res.StopFailures,
		ElapsedMs:     float64(elapsed.Microseconds()) / 1000.0,
	}
	switch a := res.Action.(type) {
	case scaling.ScaleUp:
		report.Action = a.Kind()
		report.Requested = a.WorkersToAdd
	case scaling.ScaleDown:
		report.Action = a.Kind()
		report.Requested = len(a.WorkersToStop)
	}
	return report
}

func nonNil(ids []scaling.WorkerID) []scaling.WorkerID {
	if ids == nil {
		return []scaling.WorkerID{}
	}
	return ids
}
