package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/canopy-network/fleetscaler/app/controller"
	"github.com/canopy-network/fleetscaler/pkg/logging"
	"github.com/canopy-network/fleetscaler/pkg/redis"
	"github.com/canopy-network/fleetscaler/pkg/scaling"
	"github.com/canopy-network/fleetscaler/pkg/temporal"
	"github.com/canopy-network/fleetscaler/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := controller.LoadConfig()

	var fleet controller.Fleet
	switch provider := utils.Env("SCALER_PROVIDER", "fake"); provider {
	case "k8s":
		k8sFleet, err := controller.NewK8sFleetFromEnv(logger)
		if err != nil {
			logger.Fatal("Unable to initialize k8s fleet", zap.Error(err))
		}
		fleet = k8sFleet
	case "fake":
		fleet = controller.NewFakeFleet(logger)
	default:
		logger.Fatal("Unknown SCALER_PROVIDER", zap.String("provider", provider))
	}

	var rdb *redis.Client
	source := utils.Env("SCALER_WORKLOAD_SOURCE", "static")
	if utils.EnvBool("REDIS_ENABLED", false) || source == "redis" {
		rdb, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
	}

	avgJob := utils.EnvDuration("SCALER_AVG_JOB_DURATION", 30*time.Second)
	var workload controller.WorkloadSource
	switch source {
	case "temporal":
		tc, err := temporal.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to Temporal", zap.Error(err))
		}
		defer tc.Close()
		workload = &controller.TemporalWorkload{Stats: tc, TaskQueue: tc.TaskQueue, AverageJobDuration: avgJob}
	case "redis":
		workload = &controller.RedisWorkload{
			Queue:              rdb,
			QueueKey:           utils.Env("REDIS_QUEUE_KEY", "jobs"),
			AverageJobDuration: avgJob,
		}
	case "static":
		workload = controller.StaticWorkload{Value: scaling.Workload{
			WaitingRequests:    utils.EnvInt("SCALER_STATIC_WAITING", 0),
			AverageJobDuration: avgJob,
		}}
	default:
		logger.Fatal("Unknown SCALER_WORKLOAD_SOURCE", zap.String("source", source))
	}

	app, err := controller.Initialize(ctx, cfg, logger, fleet, workload, rdb)
	if err != nil {
		logger.Fatal("Unable to initialize controller", zap.Error(err))
	}

	// Immediate pass before cron
	app.RunCycle(ctx)

	app.StartCron()
	app.SetupServer()
	app.Start(ctx)
}
