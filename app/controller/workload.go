package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/canopy-network/fleetscaler/pkg/temporal"
)

// StaticWorkload reports a fixed workload. Useful with the fake fleet.
type StaticWorkload struct {
	Value scaling.Workload
}

// Workload implements WorkloadSource.
func (s StaticWorkload) Workload(context.Context) (scaling.Workload, error) {
	return s.Value, nil
}

// QueueStatsGetter describes a Temporal task queue.
type QueueStatsGetter interface {
	GetQueueStats(ctx context.Context, queueName string) (temporal.QueueStats, error)
}

// TemporalWorkload derives waiting requests from a Temporal task queue backlog.
// Temporal does not expose job durations, so AverageJobDuration is configured.
type TemporalWorkload struct {
	Stats              QueueStatsGetter
	TaskQueue          string
	AverageJobDuration time.Duration
}

// Workload implements WorkloadSource.
func (t *TemporalWorkload) Workload(ctx context.Context) (scaling.Workload, error) {
	stats, err := t.Stats.GetQueueStats(ctx, t.TaskQueue)
	if err != nil {
		return scaling.Workload{}, fmt.Errorf("temporal workload: %w", err)
	}
	return scaling.Workload{
		WaitingRequests:    clampInt(stats.Pending()),
		AverageJobDuration: t.AverageJobDuration,
	}, nil
}

// QueueReader reads a list-backed job queue.
type QueueReader interface {
	QueueLength(ctx context.Context, key string) (int64, error)
	GetInt64(ctx context.Context, key string) (int64, bool, error)
}

// RedisWorkload derives waiting requests from the length of a Redis list.
// Workers may publish their measured average job duration in milliseconds under
// "<QueueKey>:avg_job_ms"; when absent or invalid, AverageJobDuration is used.
type RedisWorkload struct {
	Queue              QueueReader
	QueueKey           string
	AverageJobDuration time.Duration
}

// AvgJobDurationKey returns the key holding the measured average job duration.
func (r *RedisWorkload) AvgJobDurationKey() string {
	return r.QueueKey + ":avg_job_ms"
}

// Workload implements WorkloadSource.
func (r *RedisWorkload) Workload(ctx context.Context) (scaling.Workload, error) {
	length, err := r.Queue.QueueLength(ctx, r.QueueKey)
	if err != nil {
		return scaling.Workload{}, fmt.Errorf("redis workload: %w", err)
	}

	avg := r.AverageJobDuration
	ms, ok, err := r.Queue.GetInt64(ctx, r.AvgJobDurationKey())
	if err != nil {
		return scaling.Workload{}, fmt.Errorf("redis workload: %w", err)
	}
	if ok && ms > 0 {
		avg = time.Duration(ms) * time.Millisecond
	}

	return scaling.Workload{
		WaitingRequests:    clampInt(length),
		AverageJobDuration: avg,
	}, nil
}

func clampInt(v int64) int {
	const maxInt = int64(^uint(0) >> 1)
	if v > maxInt {
		return int(maxInt)
	}
	return int(v)
}
