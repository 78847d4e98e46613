package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/corechain-org/corechain/cli/corechain/cmd"
	"github.com/corechain-org/corechain/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.New(logger.New).Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "corechain: %v\n", err)
		os.Exit(1)
	}
}
