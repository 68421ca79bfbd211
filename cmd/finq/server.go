package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/finq/internal/answer"
	"github.com/kalambet/finq/internal/api"
	"github.com/kalambet/finq/internal/config"
	"github.com/kalambet/finq/internal/gemini"
	"github.com/kalambet/finq/internal/ingest"
	"github.com/kalambet/finq/internal/retrieval"
	"github.com/kalambet/finq/internal/router"
	"github.com/kalambet/finq/internal/sqlgen"
	"github.com/kalambet/finq/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the finq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// app is the fully wired pipeline, shared by the serve and backfill
// commands.
type app struct {
	cfg    config.Config
	router *router.Router
	worker *ingest.Worker
	search *retrieval.Retriever
	closer io.Closer
}

func (a *app) Close() {
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
	}
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	st, closer, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	client := gemini.New(cfg.Gemini.BaseURL, cfg.Gemini.APIKey)
	planner := sqlgen.NewPlanner(client, cfg.Gemini.ChatModel)
	embedder := retrieval.NewEmbedder(client, cfg.Gemini.EmbedModel, cfg.Gemini.EmbedDim)
	retriever := retrieval.NewRetriever(embedder, st)
	synthesizer := answer.NewSynthesizer(client, cfg.Gemini.ChatModel)

	return &app{
		cfg:    cfg,
		router: router.New(planner, st, retriever, synthesizer),
		worker: ingest.NewWorker(st, embedder),
		search: retriever,
		closer: closer,
	}, nil
}

// tenantStore is the full store surface the server needs: query execution,
// similarity search, and embedding maintenance.
type tenantStore interface {
	store.Store
	store.EmbeddingStore
}

func openStore(cfg config.StoreConfig) (tenantStore, io.Closer, error) {
	switch cfg.Backend {
	case "supabase":
		return store.NewSupabase(cfg.Supabase.URL, cfg.Supabase.ServiceKey), nil, nil
	case "postgres":
		st, err := store.OpenPostgres(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return st, st, nil
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLite.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "finq version %s\n", version)

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(api.Deps{
		Router:    a.router,
		Processor: a.worker,
		Token:     a.cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Router:   a.router,
		Searcher: a.search,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("finq listening", "addr", addr, "store", a.cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
