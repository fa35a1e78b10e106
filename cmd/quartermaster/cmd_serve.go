// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/quartermaster/services/agent"
	"github.com/AleutianAI/quartermaster/services/agent/config"
	"github.com/AleutianAI/quartermaster/services/agent/gateway"
	"github.com/AleutianAI/quartermaster/services/agent/governor"
	"github.com/AleutianAI/quartermaster/services/agent/intent"
	"github.com/AleutianAI/quartermaster/services/agent/localexec"
	"github.com/AleutianAI/quartermaster/services/agent/routing"
	"github.com/AleutianAI/quartermaster/services/agent/session"
	agentbadger "github.com/AleutianAI/quartermaster/services/agent/storage/badger"
	"github.com/AleutianAI/quartermaster/services/agent/workflow"
)

// traceStdout enables span export to stderr for local debugging.
var traceStdout bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent HTTP server",
	Run:   runServeCommand,
}

func init() {
	serveCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "export spans to stderr")
}

func runServeCommand(_ *cobra.Command, _ []string) {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracing := setupTracing(traceStdout, logger)

	clients, err := config.BuildClients(cfg, logger)
	if err != nil {
		logger.Error("no usable LLM backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	gw := gateway.New(clients, gateway.Options{
		MaxTries:         cfg.MaxTries,
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, logger)

	// Session persistence degrades gracefully: with no BadgerDB the agent
	// still serves, sessions just do not survive a restart.
	var store session.Store
	var db *agentbadger.DB
	sessionDir := filepath.Join(cfg.DataDir, "sessions")
	if db, err = agentbadger.Open(sessionDir, logger); err != nil {
		logger.Warn("session store unavailable, sessions are memory-only",
			slog.String("path", sessionDir),
			slog.String("error", err.Error()),
		)
		db = nil
	} else {
		store = session.NewBadgerStore(db, 0)
	}
	sessions := session.NewManager(store, cfg.SessionIdleTimeout, logger)

	classifier := intent.NewClassifier(
		nil,
		intent.NewCache(cfg.IntentCacheTTL, cfg.IntentCacheMax),
		gw,
		cfg.ClassifyTimeout,
		logger,
	)
	router, err := routing.NewRouter(nil, logger)
	if err != nil {
		logger.Error("embedded override rules invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}

	watcher := setupRuleReload(cfg, classifier, router, logger)

	engine := localexec.NewEngine(cfg.CommandTimeout, cfg.FuzzyThreshold, logger)
	executor := workflow.NewExecutor(engine, logger)
	gov := governor.New(cfg.GlobalConcurrency, cfg.PerUserConcurrency, logger)

	pipeline := agent.NewPipeline(gov, sessions, classifier, router, engine, executor, gw, cfg.TurnDeadline, logger)
	handlers := agent.NewHandlers(pipeline, gov, gw, logger)

	if debugFlag {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engineRouter := gin.New()
	engineRouter.Use(gin.Recovery())
	engineRouter.Use(otelgin.Middleware("quartermaster"))
	if debugFlag {
		engineRouter.Use(gin.Logger())
	}

	v1 := engineRouter.Group("/v1")
	agent.RegisterRoutes(v1, handlers)
	engineRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engineRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("quartermaster serving",
			slog.String("address", cfg.ListenAddr),
			slog.Any("backends", gw.Backends()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
	}
	sessions.Close()
	if watcher != nil {
		_ = watcher.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("session store close failed", slog.String("error", err.Error()))
		}
	}
	shutdownTracing(ctx)
}

// setupTracing installs the global tracer provider and W3C propagation.
// Spans export to stderr only when requested; otherwise they stay in-process
// for context plumbing.
func setupTracing(export bool, logger *slog.Logger) func(context.Context) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewSchemaless(attribute.String("service.name", "quartermaster"))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if export {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			logger.Warn("stdout trace exporter unavailable", slog.String("error", err.Error()))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// setupRuleReload applies any rule files in cfg.RulesDir over the embedded
// defaults and starts the hot-reload watcher. Returns nil when no rules
// directory is configured.
func setupRuleReload(cfg *config.AgentConfig, classifier *intent.Classifier, router *routing.Router, logger *slog.Logger) *config.RuleWatcher {
	if cfg.RulesDir == "" {
		return nil
	}

	apply := func(name string, contents []byte) {
		switch name {
		case "intent_rules.yaml", "intent_rules.yml":
			rs, err := intent.CompileRules(contents)
			if err != nil {
				logger.Warn("intent rules rejected, keeping previous",
					slog.String("error", err.Error()),
				)
				return
			}
			classifier.ReplaceRules(rs)
		case "override_rules.yaml", "override_rules.yml":
			if err := router.Reload(contents); err != nil {
				logger.Warn("override rules rejected, keeping previous",
					slog.String("error", err.Error()),
				)
			}
		default:
			logger.Debug("ignoring unrecognized rules file", slog.String("name", name))
		}
	}

	// Apply whatever is on disk now, then watch for changes.
	for _, name := range []string{"intent_rules.yaml", "override_rules.yaml"} {
		path := filepath.Join(cfg.RulesDir, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		apply(name, contents)
	}

	watcher, err := config.WatchRules(cfg.RulesDir, apply, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("rules watcher disabled: %v", err))
		return nil
	}
	return watcher
}
