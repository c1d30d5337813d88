package cmd

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/config"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/database"
	"github.com/uma-arai/sbcntr-rental-batch/internal/common/logger"
	"github.com/uma-arai/sbcntr-rental-batch/internal/observability"
	"github.com/uma-arai/sbcntr-rental-batch/internal/repository"
	"github.com/uma-arai/sbcntr-rental-batch/internal/scheduler"
	"github.com/uma-arai/sbcntr-rental-batch/internal/service/batch"
	"github.com/uma-arai/sbcntr-rental-batch/internal/service/expiry"
	"go.uber.org/zap"
)

// app はサブコマンドが共有する依存関係です
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	db           *database.DB
	reservations *repository.ReservationRepositoryImpl
	checks       *repository.ExpiryCheckRepositoryImpl
	scheduler    expiry.Scheduler
	coordinator  *expiry.Coordinator
	metrics      *observability.ExpiryMetrics
	sfnClient    *sfn.Client
}

func newApp(ctx context.Context, taskToken string) (*app, error) {
	cfg, err := config.LoadConfig(taskToken, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	configureTracing(cfg, log)

	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// Step Functionsクライアントの初期化
	var sfnClient *sfn.Client
	if !cfg.Local || cfg.Expiry.Scheduler == config.SchedulerStepFunctions {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		sfnClient = sfn.NewFromConfig(awsCfg)
	}

	metrics, err := observability.NewExpiryMetrics()
	if err != nil {
		db.Close()
		return nil, err
	}

	repoDB := repository.NewDB(db.DB)
	reservations := repository.NewReservationRepository(repoDB)
	checks := repository.NewExpiryCheckRepository(repoDB)

	sched, err := newScheduler(cfg, checks, sfnClient, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	coordinator := expiry.NewCoordinator(reservations, sched, log, expiry.Options{
		Window:   cfg.Expiry.Window,
		PageSize: cfg.Expiry.SweepPageSize,
		Metrics:  metrics,
	})

	return &app{
		cfg:          cfg,
		logger:       log,
		db:           db,
		reservations: reservations,
		checks:       checks,
		scheduler:    sched,
		coordinator:  coordinator,
		metrics:      metrics,
		sfnClient:    sfnClient,
	}, nil
}

// newScheduler は設定に応じて再チェックの予約先を選びます
func newScheduler(cfg *config.Config, queue repository.ExpiryCheckRepository, sfnClient *sfn.Client, log *zap.Logger) (expiry.Scheduler, error) {
	switch cfg.Expiry.Scheduler {
	case config.SchedulerStepFunctions:
		if sfnClient == nil {
			return nil, fmt.Errorf("step functions client is required for scheduler %q", cfg.Expiry.Scheduler)
		}
		return scheduler.NewStepFunctionsScheduler(sfnClient, cfg.SFN.StateMachineARN, log), nil
	case config.SchedulerQueue, "":
		return scheduler.NewQueueScheduler(queue, log), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Expiry.Scheduler)
	}
}

// taskReporter はタスクトークンの通知先を返します。クライアントがない場合は nil です
func (a *app) taskReporter() batch.TaskReporter {
	if a.sfnClient == nil {
		return nil
	}
	return a.sfnClient
}

// beginSegment はトレースが有効な場合にコマンド全体のセグメントを開始します
func (a *app) beginSegment(ctx context.Context, name string, metadata map[string]string) (context.Context, func(error)) {
	if !a.cfg.EnableTracing {
		return ctx, func(error) {}
	}

	ctx, seg := xray.BeginSegment(ctx, name)
	for k, v := range metadata {
		if err := seg.AddMetadata(k, v); err != nil {
			a.logger.Warn("Failed to add segment metadata", zap.String("key", k), zap.Error(err))
		}
	}
	return ctx, seg.Close
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// X-Ray設定
func configureTracing(cfg *config.Config, log *zap.Logger) {
	if !cfg.EnableTracing {
		return
	}

	if err := xray.Configure(xray.Config{
		DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
		ServiceVersion: "1.0.0",
	}); err != nil {
		log.Warn("Failed to configure X-Ray", zap.Error(err))
		// X-Ray設定失敗時はデフォルトの設定を使用
		if configErr := xray.Configure(xray.Config{}); configErr != nil {
			log.Error("Failed to configure default X-Ray settings", zap.Error(configErr))
		}
	}
	os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR")
}
