package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/config"
	"github.com/uma-arai/sbcntr-rental-batch/internal/observability"
	"github.com/uma-arai/sbcntr-rental-batch/internal/worker"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process delayed expiry checks and run the periodic sweep",
	Long: `expiry_checks キューから実行時刻を過ぎたチェックを取り出して判定し、
あわせて EXPIRY_SWEEP_INTERVAL ごとにスイープを実行します。
メトリクスは METRICS_ADDR の /metrics で公開します。SIGINT/SIGTERM で処理中のチェックを終えてから停止します。`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer func() {
		_ = shutdownMetrics(context.Background())
	}()

	a, err := newApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.metrics.ObserveBacklog(a.checks.Count); err != nil {
		a.logger.Warn("Failed to register backlog gauge", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Worker metrics listening", zap.String("addr", a.cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	if a.cfg.Expiry.Scheduler != config.SchedulerQueue {
		a.logger.Info("Delayed checks are scheduled outside the queue; the agent only drains remaining checks",
			zap.String("scheduler", a.cfg.Expiry.Scheduler),
		)
	}

	agent := worker.NewAgent(a.checks, a.coordinator, worker.AgentConfig{
		Concurrency:       a.cfg.Worker.Concurrency,
		PollInterval:      a.cfg.Worker.PollInterval,
		MaxBackoff:        a.cfg.Worker.MaxBackoff,
		VisibilityTimeout: a.cfg.Worker.VisibilityTimeout,
		MaxAttempts:       a.cfg.Worker.MaxAttempts,
		RatePerSecond:     a.cfg.Worker.RatePerSecond,
	}, a.logger, a.metrics)
	sweeper := worker.NewSweeper(a.coordinator, a.cfg.Expiry.SweepInterval, a.logger)

	go func() { _ = agent.Run(ctx) }()
	go func() { _ = sweeper.Run(ctx) }()

	<-ctx.Done()
	a.logger.Info("Shutting down worker...")

	<-agent.Done()
	<-sweeper.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Failed to shutdown metrics server", zap.Error(err))
	}
	return nil
}
