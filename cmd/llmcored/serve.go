package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenLLM-Core/internal/api"
	"OpenLLM-Core/internal/auth"
	"OpenLLM-Core/internal/config"
	"OpenLLM-Core/internal/conversation"
	"OpenLLM-Core/internal/job"
	"OpenLLM-Core/internal/observability/metrics"
	"OpenLLM-Core/internal/swarm"
	"OpenLLM-Core/internal/tool"
	"OpenLLM-Core/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API、指标端点与任务处理器",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	log := logger.Named("llmcored")

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("关闭 usage sink 失败", slog.Any("error", err))
		}
	}()

	policy, err := tool.ParsePolicy(cfg.Conversation.ToolPolicy)
	if err != nil {
		return err
	}
	library, err := tool.NewLibrary(tool.NewClock(nil))
	if err != nil {
		return err
	}
	runner := tool.NewExecutor(
		tool.WithWorkers(cfg.Conversation.ToolWorkers),
		tool.WithPolicy(policy),
		tool.WithLogger(logger.Named("tool")),
	)
	defer runner.Close()

	authService, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}

	service, processor, err := buildJobs(ctx, cfg, rt)
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	conversations := conversation.NewManager(rt.dispatcher, library, runner, cfg.Conversation.MaxToolRounds,
		conversation.WithIdleTTL(cfg.Conversation.IdleTTL()),
		conversation.WithMaxConversations(cfg.Conversation.MaxActive),
	)
	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Executor: rt.dispatcher,
		Models:   rt.catalog,
		Swarm: swarm.New(
			swarm.WithLimit(cfg.Swarm.Concurrency),
			swarm.WithCallTimeout(cfg.Swarm.CallTimeout()),
			swarm.WithLogger(logger.Named("swarm")),
		),
		Conversations: conversations,
		Jobs:          service,
	},
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
		api.WithAuth(authService),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			log.Info("指标端点启动", slog.String("addr", cfg.Server.MetricsAddress))
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})

	err = g.Wait()
	log.Info("llmcored 已退出")
	return err
}

// buildJobs 按配置组装任务存储、队列、服务与处理器。
func buildJobs(ctx context.Context, cfg *config.Config, rt *runtime) (*job.Service, *job.Processor, error) {
	store, err := job.NewStore(ctx, cfg.Jobs.Store)
	if err != nil {
		return nil, nil, err
	}
	queue, err := job.NewQueue(ctx, cfg.Jobs.Queue, cfg.Jobs.Workers)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	opts := []job.ProcessorOption{
		job.WithWorkerCount(cfg.Jobs.Workers),
		job.WithProcessorLogger(logger.Named("job")),
		job.WithAlertDispatcher(job.NewAlerter(cfg.Jobs)),
	}
	if cfg.Jobs.FallbackModel != "" {
		if _, err := rt.catalog.Model(cfg.Jobs.FallbackModel); err != nil {
			_ = store.Close()
			_ = queue.Close()
			return nil, nil, err
		}
		opts = append(opts, job.WithRecoveryHandler(&job.FallbackModel{Executor: rt.dispatcher, Model: cfg.Jobs.FallbackModel}))
	}

	service := job.NewService(store, queue, cfg.Jobs.MaxRetries)
	processor := job.NewProcessor(rt.dispatcher, store, queue, queue, opts...)
	return service, processor, nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
