// Command weaverd runs the Weaver Index & Collaboration Core: the
// Firehose Ingester, Denormalization Layer, Edit DAG Resolver, Hot-Tier
// Shard Router, Collaboration Coordinator, and the Query Interface's
// HTTP RPC + MCP read surfaces, wired from one process-wide Config
// (spec §2, §4).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weaverproto/weaver-core/internal/collab"
	"github.com/weaverproto/weaver-core/internal/config"
	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/editdag"
	"github.com/weaverproto/weaver-core/internal/ingest"
	"github.com/weaverproto/weaver-core/internal/mcptools"
	"github.com/weaverproto/weaver-core/internal/p2p"
	"github.com/weaverproto/weaver-core/internal/query"
	"github.com/weaverproto/weaver-core/internal/shard"
	"github.com/weaverproto/weaver-core/internal/sqlite"
	"github.com/weaverproto/weaver-core/internal/stream"
	"github.com/weaverproto/weaver-core/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := ensureDir(cfg.DB.Path); err != nil {
		return fmt.Errorf("prepare db dir: %w", err)
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open analytical db: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	rawStore := sqlite.NewRawStore(db)
	denormStore := sqlite.NewDenormStore(db)
	editDagStore := sqlite.NewEditDagStore(db)
	queryStore := sqlite.NewQueryStore(db)

	reg := prometheus.NewRegistry()

	denormSink := denorm.New(denormStore, logger.With("component", "denorm"))
	refresher := denorm.NewRefresher(denormStore, time.Minute, logger.With("component", "denorm-refresh"))
	resolver := editdag.NewResolver(editDagStore, time.Minute)

	var source stream.Source
	if cfg.Ingest.RelayURL != "" {
		source = stream.NewWebSocketSource(cfg.Ingest.RelayURL, cfg.Ingest.MaxBackoff, logger.With("component", "stream"))
	}

	ing := ingest.New(ingest.Config{
		ConsumerID:    cfg.Ingest.ConsumerID,
		BatchSize:     cfg.Ingest.BatchSize,
		BatchInterval: cfg.Ingest.BatchInterval,
		CursorEvery:   cfg.Ingest.CursorEvery,
		CursorPeriod:  cfg.Ingest.CursorPeriod,
		MaxBackoff:    cfg.Ingest.MaxBackoff,
	}, source, rawStore, denormSink, logger.With("component", "ingest"), reg)

	shardRouter := shard.New(cfg.Shard, logger.With("component", "shard"))
	defer shardRouter.Close()
	collabAdapter := shard.NewCollabAdapter(shardRouter, cfg.Collab.SessionTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var coordinator *collab.Coordinator
	if len(cfg.Collab.ListenAddrs) > 0 {
		host, err := p2p.New(ctx, cfg.Collab.ListenAddrs, logger.With("component", "p2p"))
		if err != nil {
			return fmt.Errorf("start p2p host: %w", err)
		}
		defer host.Close()

		coordinator = collab.New(collab.WrapHost(host), collabAdapter, collabAdapter, collab.Config{
			TopicSecret:   []byte(cfg.Collab.TopicSecret),
			SessionTTL:    cfg.Collab.SessionTTL,
			PresenceIdle:  cfg.Collab.PresenceIdle,
			SnapshotEvery: cfg.Collab.SnapshotEvery,
		}, logger.With("component", "collab"))
	}
	_ = coordinator // sessions are opened on demand by a future editor-facing RPC; the coordinator is wired and ready.

	queryService := query.New(queryStore)

	var wg sync.WaitGroup
	if source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ing.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ingester stopped", "error", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		refresher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := resolver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("edit dag resolver stopped", "error", err)
		}
	}()

	httpRouter := transport.NewServer(queryService)
	mcpServer := mcptools.NewServer(mcptools.Config{Service: queryService, Logger: logger.With("component", "mcp")})
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{Stateless: true},
	)
	httpRouter.Handle("/mcp", mcpHandler)
	httpRouter.Handle("/mcp/", mcpHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: httpRouter}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()
	wg.Wait()
	return nil
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
