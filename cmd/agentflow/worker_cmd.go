package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentflow/agentflow/evaluator"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/logging"
	"github.com/agentflow/agentflow/persistence/pgstore"
	"github.com/agentflow/agentflow/registry"
	"github.com/agentflow/agentflow/worker"
)

var workerViper = viper.New()

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a long-lived worker process against the persistent store",
	RunE:  runWorker,
}

func init() {
	flags := workerCmd.Flags()
	flags.String("server-group", "default", "logical group this server belongs to")
	flags.String("service-name", "agentflow-worker", "service name reported in server records")
	flags.String("server-name", "", "server name reported in server records (default: hostname)")
	flags.StringSlice("topics", nil, "event names this worker claims (default: every registered handler)")
	flags.String("task-list", "default", "task list this worker polls")
	flags.Int("poll-interval", 1000, "poll cycle interval in milliseconds")
	flags.Int("heartbeat-interval", 15000, "server heartbeat interval in milliseconds")
	flags.Int("max-concurrent", 5, "maximum concurrently processed units of work")
	flags.Int("lock-duration", 30000, "initial lock duration in milliseconds")
	flags.Int("port", 8090, "status HTTP port (increments on conflict)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "", "log file path; recorded in the worker config, log output is written to stderr")
	flags.String("config", "", "path to a config file")

	config.BindWorkerFlags(workerViper, flags)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		workerViper.SetConfigFile(p)
	}
	cfg, err := config.Load(workerViper)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel})

	store, err := pgstore.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := demoRegistry()
	eval := evaluator.New(store, logger)
	loader := demoLoader()

	svcCfg := worker.Config{
		ServerGroup:         cfg.ServerGroup,
		ServiceName:         cfg.ServiceName,
		ServerName:          cfg.ServerName,
		Topics:              cfg.Topics,
		TaskList:            cfg.TaskList,
		PollIntervalMS:      cfg.PollIntervalMS,
		HeartbeatIntervalMS: cfg.HeartbeatIntervalMS,
		MaxConcurrent:       cfg.MaxConcurrent,
		LockDurationMS:      cfg.LockDurationMS,
		LockExtendMS:        cfg.LockDurationMS / 3,
		Port:                cfg.Port,
		HTTPMaxPortAttempts: 10,
		ShutdownTimeoutMS:   30000,
		SweepCronSpec:       "@every 1m",
		LogLevel:            cfg.LogLevel,
		LogFile:             cfg.LogFile,
	}

	svc := worker.New(store, reg, eval, loader, svcCfg, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("worker: shutdown signal received")
		svc.Stop()
		cancel()
	}()

	// Start blocks until ctx is cancelled, then drains in-flight work and
	// marks the server record shutdown before returning (§4.6.1).
	return svc.Start(ctx)
}

func demoRegistry() *registry.Registry {
	return registerDemoHandlers(registry.New())
}
