package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/irfndi/celebrum-patterns/internal/utils"
)

func main() {
	// .env is optional; the environment and config file still apply without it
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(bootstrap).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors the caller can fix (bad dates, too little history, too many
// subjects) to 2 and everything else to 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case utils.IsClientCorrectable(err):
		return 2
	default:
		return 1
	}
}
