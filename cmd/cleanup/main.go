package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opentrusty/tenantvault/internal/app"
	"github.com/opentrusty/tenantvault/internal/config"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
)

// cleanup runs one retention sweep over every tenant and exits.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to initialize: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	res, err := a.Sweeper.Sweep(ctx)
	fmt.Printf("Swept %d tenants: %d records and %d audit entries purged.\n", res.Tenants, res.Records, res.Entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep finished with errors: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}
