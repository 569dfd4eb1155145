// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentrusty/tenantvault/internal/app"
	"github.com/opentrusty/tenantvault/internal/config"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/token"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	// Phase: CLI Commands
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := runIssueToken(cfg, os.Args[2:]); err != nil {
			fmt.Printf("Token issue failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := serve(cfg); err != nil {
		slog.Error("server failed", logger.Error(err))
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	slog.Info("starting tenantvault",
		slog.String("backend", cfg.Storage.Backend),
		slog.String("version", cfg.Observability.ServiceVersion),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to release resources", logger.Error(err))
		}
	}()

	a.RunBackground(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
	return nil
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying registry schema...")
	if err := db.MigrateUp(ctx); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}

// runIssueToken prints a caller token: issue-token <tenant> <actor> [role].
func runIssueToken(cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: issue-token <tenant_id> <actor_id> [role]")
	}
	role := ""
	if len(args) > 2 {
		role = args[2]
	}

	svc, err := token.NewService(cfg.Security.TokenIssuer, []byte(cfg.Security.TokenSecret), cfg.Security.TokenTTL)
	if err != nil {
		return err
	}
	raw, err := svc.Issue(args[0], args[1], role)
	if err != nil {
		return err
	}
	fmt.Println(raw)
	return nil
}
