package main

import (
	"context"

	"github.com/spf13/cobra"

	"OpenLLM-Core/internal/config"
	"OpenLLM-Core/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "llmcored",
	Short: "LLM 调用编排运行时",
	Long: `llmcored 通过统一的调度器访问多家模型服务商。

serve 启动 REST API、指标端点与异步任务处理器；call、swarm 与 models
直接在命令行中使用同一套配置。`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认读取 "+config.EnvConfigPath)
}

// Execute 运行根命令，ctx 取消时各子命令负责优雅退出。
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig 读取配置并初始化全局日志。未指定路径时使用默认配置。
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := config.ResolvePath(configPath); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
