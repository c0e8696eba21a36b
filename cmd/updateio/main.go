package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"

	"github.com/lobinuxsoft/updateio/internal/cli"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, cli.New(), fang.WithVersion(version.Full())); err != nil {
		stop()
		os.Exit(1)
	}
}
