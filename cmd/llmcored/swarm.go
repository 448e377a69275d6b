package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/swarm"
	"OpenLLM-Core/pkg/logger"
)

var (
	swarmModels []string
	swarmLimit  int
)

var swarmCmd = &cobra.Command{
	Use:   "swarm [prompt]",
	Short: "把同一个提示并发发送给多个模型",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSwarm,
}

func init() {
	swarmCmd.Flags().StringSliceVar(&swarmModels, "model", nil, "模型 ID，可重复指定")
	swarmCmd.Flags().IntVar(&swarmLimit, "limit", 0, "最大并发数，默认使用配置值")
	rootCmd.AddCommand(swarmCmd)
}

func runSwarm(cmd *cobra.Command, args []string) error {
	if len(swarmModels) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个 --model")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.L().Warn("关闭 usage sink 失败", slog.Any("error", err))
		}
	}()

	limit := cfg.Swarm.Concurrency
	if swarmLimit > 0 {
		limit = swarmLimit
	}
	prompt := strings.Join(args, " ")
	reqs := make([]llm.CallRequest, len(swarmModels))
	for i, model := range swarmModels {
		reqs[i] = llm.CallRequest{Model: model, Messages: []llm.Message{llm.UserMessage(prompt)}, Label: "cli swarm"}
	}

	executor := swarm.New(
		swarm.WithLimit(limit),
		swarm.WithCallTimeout(cfg.Swarm.CallTimeout()),
		swarm.WithLogger(logger.Named("swarm")),
	)
	out := cmd.OutOrStdout()
	failed := 0
	for _, res := range executor.RunCalls(cmd.Context(), rt.dispatcher, reqs) {
		fmt.Fprintf(out, "== %s (%s)\n", swarmModels[res.Index], res.Duration.Round(time.Millisecond))
		if !res.OK() {
			failed++
			fmt.Fprintf(out, "error: %v\n\n", res.Err)
			continue
		}
		fmt.Fprintf(out, "%s\n\n", res.Payload.Text)
	}
	if failed == len(reqs) {
		return xerrors.New(xerrors.CodeUnknown, "所有调用均失败")
	}
	return nil
}
