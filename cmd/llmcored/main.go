// Command llmcored 是 OpenLLM-Core 的守护进程与命令行入口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"OpenLLM-Core/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmcored 运行失败: %v\n", err)
		os.Exit(1)
	}
}
