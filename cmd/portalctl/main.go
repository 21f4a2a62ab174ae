package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/portal/internal/cli"
	"github.com/g960059/portal/internal/config"
)

func main() {
	// --config is applied by the runner; this picks up PORTAL_* overrides.
	cfg, err := config.Load("")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "portalctl: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.NewRunner(cfg, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
