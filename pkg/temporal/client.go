package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/fleetscaler/pkg/retry"
	"github.com/canopy-network/fleetscaler/pkg/utils"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Client is a Temporal connection bound to the task queue whose backlog drives the fleet size.
type Client struct {
	TClient   client.Client
	Namespace string
	HostPort  string
	TaskQueue string
	logger    *zap.Logger
}

// QueueStats is the backlog of one task queue, summed over workflow and activity task types.
type QueueStats struct {
	PendingWorkflowTasks int64
	PendingActivityTasks int64
	Pollers              int
	BacklogAge           time.Duration
}

// Pending returns the total number of tasks waiting to be picked up.
func (s QueueStats) Pending() int64 {
	return s.PendingWorkflowTasks + s.PendingActivityTasks
}

// NewClient connects to Temporal using environment variables:
//   - TEMPORAL_HOSTPORT (default: "localhost:7233")
//   - TEMPORAL_NAMESPACE (default: "default")
//   - TEMPORAL_TASK_QUEUE (default: "jobs")
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", "default")
	queue := utils.Env("TEMPORAL_TASK_QUEUE", "jobs")

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	logger.Info("Connecting to Temporal",
		zap.String("host", host),
		zap.String("namespace", ns),
		zap.String("task_queue", queue))

	var tClient client.Client
	err := retry.WithBackoff(connCtx, retry.ConnectConfig(), logger, "temporal_connection", func() error {
		c, err := Dial(connCtx, host, ns, NewZapAdapter(logger))
		if err != nil {
			return err
		}
		if _, err = c.CheckHealth(connCtx, nil); err != nil {
			c.Close()
			return err
		}
		tClient = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		TClient:   tClient,
		Namespace: ns,
		HostPort:  host,
		TaskQueue: queue,
		logger:    logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// GetQueueStats describes the given task queue and sums its approximate backlog.
func (c *Client) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	desc, err := c.TClient.DescribeTaskQueueEnhanced(ctx, client.DescribeTaskQueueEnhancedOptions{
		TaskQueue: queueName,
		TaskQueueTypes: []client.TaskQueueType{
			client.TaskQueueTypeWorkflow,
			client.TaskQueueTypeActivity,
		},
		ReportPollers: true,
		ReportStats:   true,
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("describe task queue %s: %w", queueName, err)
	}
	return aggregateStats(desc), nil
}

func aggregateStats(desc client.TaskQueueDescription) QueueStats {
	var stats QueueStats
	//nolint:staticcheck // VersionsInfo still carries the per-type stats we need
	for _, versionInfo := range desc.VersionsInfo {
		if wfInfo, ok := versionInfo.TypesInfo[client.TaskQueueTypeWorkflow]; ok {
			stats.Pollers += len(wfInfo.Pollers)
			if wfInfo.Stats != nil {
				stats.PendingWorkflowTasks += wfInfo.Stats.ApproximateBacklogCount
				if wfInfo.Stats.ApproximateBacklogAge > stats.BacklogAge {
					stats.BacklogAge = wfInfo.Stats.ApproximateBacklogAge
				}
			}
		}

		if actInfo, ok := versionInfo.TypesInfo[client.TaskQueueTypeActivity]; ok {
			if actInfo.Stats != nil {
				stats.PendingActivityTasks += actInfo.Stats.ApproximateBacklogCount
				if actInfo.Stats.ApproximateBacklogAge > stats.BacklogAge {
					stats.BacklogAge = actInfo.Stats.ApproximateBacklogAge
				}
			}
		}
	}
	return stats
}

// Close closes the underlying Temporal client connection.
func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}
