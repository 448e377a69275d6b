package main

import (
	"context"

	"OpenLLM-Core/internal/catalog"
	"OpenLLM-Core/internal/config"
	"OpenLLM-Core/internal/dispatch"
	"OpenLLM-Core/internal/llm/provider"
	"OpenLLM-Core/internal/retry"
	"OpenLLM-Core/internal/usage"
	"OpenLLM-Core/pkg/logger"
)

// runtime 汇总一次进程内共享的调度组件。
type runtime struct {
	catalog    *catalog.Catalog
	usage      *usage.Built
	dispatcher *dispatch.Dispatcher
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(cat)
	if err != nil {
		return nil, err
	}
	sinks, err := usage.FromConfig(ctx, cfg.Usage)
	if err != nil {
		return nil, err
	}

	retryOpts := []retry.Option{
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBaseDelay(cfg.Retry.BaseDelay()),
		retry.WithMaxDelay(cfg.Retry.MaxDelay()),
		retry.WithMultiplier(cfg.Retry.Multiplier),
		retry.WithJitter(cfg.Retry.JitterRatio()),
	}
	if cfg.Retry.Seed != 0 {
		retryOpts = append(retryOpts, retry.WithSeed(uint64(cfg.Retry.Seed)))
	}
	transport := dispatch.NewHTTPTransport(
		dispatch.WithTimeout(cfg.HTTP.Timeout()),
		dispatch.WithMaxResponseBytes(cfg.HTTP.MaxResponseBytes),
	)

	return &runtime{
		catalog: cat,
		usage:   sinks,
		dispatcher: dispatch.New(registry,
			dispatch.WithTransport(transport),
			dispatch.WithPolicy(retry.New(retryOpts...)),
			dispatch.WithSink(sinks.Fanout),
			dispatch.WithLogger(logger.Named("dispatch")),
		),
	}, nil
}

func (r *runtime) Close() error {
	return r.usage.Close()
}
