// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command meridian starts the placeholder resolution API server.
//
// The server parses typed placeholders out of report templates, matches
// them to schema fields, generates query or pipeline instructions, and
// executes them against the registered data sources.
//
// Usage:
//
//	go run ./cmd/meridian -sqlite ./warehouse.db
//	go run ./cmd/meridian -csv complaints.csv -csv orders.csv
//	go run ./cmd/meridian -sqlite ./warehouse.db -rules ./match_rules.yaml
//
// With a hosted completion provider:
//
//	MERIDIAN_LLM_PROVIDER=anthropic ANTHROPIC_API_KEY=... go run ./cmd/meridian -sqlite ./warehouse.db
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8095/v1/resolver/health
//
//	# Resolve a template
//	curl -X POST http://localhost:8095/v1/resolver/resolve \
//	  -H "Content-Type: application/json" \
//	  -d '{"template": "Summary: {statistic: total complaints last month}.", "context_snapshot": {...}}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/meridian/services/llm"
	"github.com/AleutianAI/meridian/services/resolver"
	"github.com/AleutianAI/meridian/services/resolver/cache"
	"github.com/AleutianAI/meridian/services/resolver/config"
	"github.com/AleutianAI/meridian/services/resolver/connector"
	"github.com/AleutianAI/meridian/services/resolver/engine"
	"github.com/AleutianAI/meridian/services/resolver/etl"
	"github.com/AleutianAI/meridian/services/resolver/generate"
	"github.com/AleutianAI/meridian/services/resolver/matching"
	badgerstore "github.com/AleutianAI/meridian/services/resolver/storage/badger"
	"github.com/AleutianAI/meridian/services/resolver/template"
)

// completionRPS is the sustained request rate allowed against the
// completion provider across all concurrent resolutions.
const completionRPS = 4.0

func main() {
	var csvFiles multiFlag
	addr := flag.String("addr", "", "Listen address override (default from config)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	sqliteDSN := flag.String("sqlite", "", "SQLite DSN to register as data source \"warehouse\"")
	rulesPath := flag.String("rules", "", "Match rules YAML to hot-reload on change")
	traceStdout := flag.Bool("trace-stdout", false, "Export spans to stdout (development only)")
	flag.Var(&csvFiles, "csv", "CSV file to load into data source \"sheet\" (repeatable)")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext flows from inbound headers through every handler,
	// the engine, and the completion client.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := slog.Default()
	ctx := context.Background()

	var tracerProvider *sdktrace.TracerProvider
	if *traceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("Failed to create stdout trace exporter", slog.String("error", err.Error()))
			os.Exit(1)
		}
		tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tracerProvider)
	}

	cfg, err := config.Get(ctx)
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Completion client. The observed wrapper adds metrics, spans, and a
	// shared rate limit across the worker pool.
	providerCfg := llm.LoadProviderConfig()
	rawClient, err := llm.NewCompletionClient(providerCfg)
	if err != nil {
		logger.Error("Failed to create completion client",
			slog.String("provider", string(providerCfg.Provider)),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	client := llm.NewObservedClient(rawClient, string(providerCfg.Provider), completionRPS, 8, logger)
	logger.Info("Completion provider connected",
		slog.String("provider", string(providerCfg.Provider)),
		slog.String("model", client.Model()))

	// Data sources.
	registry := connector.NewRegistry()
	var schemas generate.SchemaReader
	if *sqliteDSN != "" {
		sqlConn, err := connector.OpenSQL(ctx, *sqliteDSN, logger)
		if err != nil {
			logger.Error("Failed to open SQLite source",
				slog.String("dsn", *sqliteDSN),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		registry.Register("warehouse", sqlConn)
		schemas = sqlConn
		logger.Info("Registered SQLite source", slog.String("id", "warehouse"))
	}
	if len(csvFiles) > 0 {
		tab := connector.NewTabular()
		for _, path := range csvFiles {
			if err := tab.LoadCSV(path); err != nil {
				logger.Error("Failed to load CSV",
					slog.String("path", path),
					slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
		registry.Register("sheet", tab)
		schemas = tab
		logger.Info("Registered tabular source",
			slog.String("id", "sheet"),
			slog.Int("files", len(csvFiles)))
	}
	if schemas == nil {
		logger.Warn("No data sources registered; every resolution will fail until one is configured")
	}

	// Resolution cache. Graceful degradation: an unopenable Badger
	// directory disables caching instead of refusing to start.
	var resolutionCache cache.ResolutionCache
	var cacheDB *badgerstore.DB
	if cfg.Cache.Enabled {
		db, err := badgerstore.OpenDB(badgerstore.Config{
			Path:     cfg.Cache.Path,
			InMemory: cfg.Cache.InMemory,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("Resolution cache unavailable, caching disabled",
				slog.String("path", cfg.Cache.Path),
				slog.String("error", err.Error()))
		} else {
			cacheDB = db
			resolutionCache = cache.NewBadgerCache(db, cfg.Cache.TTL, logger)
			logger.Info("Resolution cache opened", slog.String("path", cfg.Cache.Path))
		}
	}

	// Match rules: embedded defaults, hot-reloaded from -rules when set.
	var rulesWatcher *config.RulesWatcher
	if *rulesPath != "" {
		w, err := config.NewRulesWatcher(*rulesPath)
		if err != nil {
			logger.Error("Failed to watch match rules",
				slog.String("path", *rulesPath),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		w.OnReload(config.SetMatchRules)
		w.Start(ctx)
		rulesWatcher = w
		logger.Info("Watching match rules", slog.String("path", *rulesPath))
	}

	// Tier-2 matching upgrades to embeddings when an embed model is
	// configured; without one the lexical default applies.
	matcherOpts := []matching.MatcherOption{
		matching.WithAcceptThreshold(cfg.Matching.AcceptThreshold),
	}
	if embedModel := os.Getenv("MERIDIAN_EMBED_MODEL"); embedModel != "" {
		embedURL := os.Getenv("OLLAMA_BASE_URL")
		if embedURL == "" {
			embedURL = "http://localhost:11434"
		}
		matcherOpts = append(matcherOpts, matching.WithSemanticScorer(
			matching.NewEmbeddingScorer(embedURL, embedModel)))
		logger.Info("Embedding scorer enabled",
			slog.String("model", embedModel),
			slog.String("url", embedURL))
	}

	eng := engine.New(engine.Options{
		Parser:   template.NewParser(0),
		Matcher:  matching.NewMatcher(logger, matcherOpts...),
		FastPath: generate.NewFastPath(client, cfg.Generation.FastPathRetries, logger),
		Fallback: generate.NewFallback(client, schemas, generate.FallbackConfig{
			MaxRounds:    cfg.Generation.PTAVMaxRounds,
			RoundTimeout: cfg.Generation.PTAVRoundTimeout,
			WallClock:    cfg.Generation.PTAVWallClock,
		}, logger),
		Executor:            etl.NewExecutor(registry, cfg.ETL.QueryTimeout, cfg.ETL.MaxRows, 0, logger),
		Cache:               resolutionCache,
		Rules:               config.GetMatchRules,
		MaxCandidates:       cfg.Matching.MaxCandidates,
		ComplexityThreshold: cfg.ETL.ComplexityThreshold,
		Logger:              logger,
	})

	svc := resolver.NewService(eng, registry, logger)
	handlers := resolver.NewHandlers(svc, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("meridian"))
	if *debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	resolver.RegisterRoutes(v1, handlers)

	// Warm up in the background so startup is non-blocking; the warmup
	// guard keeps resolve traffic out until the probes pass.
	go func() {
		warmupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := svc.Warmup(warmupCtx); err != nil {
			logger.Error("Warmup failed, service will stay not-ready",
				slog.String("error", err.Error()))
		}
	}()

	listenAddr := cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting meridian server", slog.String("address", listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("Shutting down meridian server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", slog.String("error", err.Error()))
	}
	if rulesWatcher != nil {
		if err := rulesWatcher.Stop(); err != nil {
			logger.Warn("Failed to stop rules watcher", slog.String("error", err.Error()))
		}
	}
	if err := registry.CloseAll(); err != nil {
		logger.Warn("Failed to close data sources", slog.String("error", err.Error()))
	}
	if cacheDB != nil {
		if err := cacheDB.Close(); err != nil {
			logger.Warn("Failed to close resolution cache", slog.String("error", err.Error()))
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush spans", slog.String("error", err.Error()))
		}
	}
}

// multiFlag collects repeated string flags.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
