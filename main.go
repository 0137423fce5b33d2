// Package main is the threadline document server: a SQLite document store
// served over a WebSocket feed, which the client side read-state cache and
// conversation lists subscribe to.
//
// Wire-up order:
//  1. Config and logger
//  2. Database and document store
//  3. Change relay (optional, Redis)
//  4. WebSocket hub
//  5. Services
//  6. Handlers and routes
//  7. CORS
//  8. HTTP server
//  9. Graceful shutdown
//
// There are no globals besides the metrics collectors; everything is built
// here and passed down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/pkg/logger"
	"github.com/akinalp/threadline/ws"
)

func main() {
	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LogLevel, cfg.Server.IsDevelopment())
	mainLog := logger.Component(log, "main")
	mainLog.Info().Int("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("threadline server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── 2. Database + store ───
	db, docs, err := initStore(cfg, log)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// ─── 3. Relay ───
	relay, err := initRelay(ctx, cfg, docs, log)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("failed to initialize relay")
	}
	if relay != nil {
		defer relay.Close()
	}

	// ─── 4. WebSocket Hub ───
	//
	// Run stops when ctx is cancelled and closes every connection on its
	// way out.
	hub := ws.NewHub(log)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	// ─── 5. Services ───
	svcs := initServices(cfg, docs)
	defer svcs.Close()

	// ─── 6. Handlers + routes ───
	h := initHandlers(svcs, docs, hub, log)
	mux := http.NewServeMux()
	initRoutes(mux, h, cfg)

	// ─── 7. CORS ───
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.Origins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		Debug:            false,
	})

	// ─── 8. HTTP Server ───
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		mainLog.Info().Str("addr", cfg.Server.Addr()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Fatal().Err(err).Msg("server error")
		}
	}()

	// ─── 9. Graceful Shutdown ───
	<-ctx.Done()
	mainLog.Info().Msg("shutting down")

	// Feed connections go first so clients see a close frame, then the
	// HTTP server drains what is left.
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("forced shutdown")
		return
	}
	mainLog.Info().Msg("server stopped gracefully")
}
