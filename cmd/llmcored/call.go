package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/pkg/logger"
)

var (
	callModel  string
	callSystem string
	callLabel  string
	callJSON   bool
)

var callCmd = &cobra.Command{
	Use:   "call [prompt]",
	Short: "对指定模型发起一次调用",
	Long: `call 使用配置中的模型目录与重试策略执行一次调用，并打印回复。

示例:
  llmcored call --model gpt-4o-mini "用一句话介绍 Go"
  llmcored call --model qwen3 --json "列出三种排序算法"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callModel, "model", "", "模型 ID (必填)")
	callCmd.Flags().StringVar(&callSystem, "system", "", "系统提示")
	callCmd.Flags().StringVar(&callLabel, "label", "cli", "用量记录中的标签")
	callCmd.Flags().BoolVar(&callJSON, "json", false, "以 JSON 输出完整响应")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(callModel) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "必须通过 --model 指定模型")
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

	var messages []llm.Message
	if callSystem != "" {
		messages = append(messages, llm.SystemMessage(callSystem))
	}
	messages = append(messages, llm.UserMessage(strings.Join(args, " ")))

	payload, err := rt.dispatcher.Execute(cmd.Context(), llm.CallRequest{
		Model:    callModel,
		Messages: messages,
		Label:    callLabel,
	})
	if err != nil {
		return err
	}
	return printPayload(cmd.OutOrStdout(), payload, callJSON)
}

func printPayload(w io.Writer, payload *llm.ResponsePayload, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	if payload.Reasoning != "" {
		fmt.Fprintf(w, "[reasoning]\n%s\n\n", payload.Reasoning)
	}
	fmt.Fprintln(w, payload.Text)
	fmt.Fprintf(w, "\n(%s/%s, %d in / %d out tokens, cost %.6f, attempts %d)\n",
		payload.Provider, payload.Model,
		payload.Usage.InputTokens, payload.Usage.OutputTokens,
		payload.Cost, payload.Attempts)
	return nil
}
