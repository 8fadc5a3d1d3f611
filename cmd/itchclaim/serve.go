package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

const (
	runTimeout      = 30 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Server exposes runs over HTTP for hosts that trigger work with requests, such as
// Cloud Scheduler. Each run executes in the background and at most one runs at a time.
type Server struct {
	ctx     context.Context
	running atomic.Bool
	claim   func(ctx context.Context) error
	refresh func(ctx context.Context) error
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve an HTTP endpoint that starts claim and crawl runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			srv := &Server{
				ctx: ctx,
				claim: func(ctx context.Context) error {
					_, err := a.sweep(ctx)
					return err
				},
				refresh: func(ctx context.Context) error {
					_, err := a.refreshSales(ctx, nil)
					return err
				},
			}

			httpServer := &http.Server{
				Addr:         ":" + a.cfg.Port,
				Handler:      srv.Handler(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				<-ctx.Done()
				slog.Info("Shutting down gracefully...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					slog.Error("HTTP server shutdown error", "error", err)
				}
			}()

			slog.Info("Listening on port", "port", a.cfg.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to listen and serve: %w", err)
			}
			slog.Info("Server stopped.")
			return nil
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /claim", s.start("claim", s.claim))
	mux.HandleFunc("POST /refresh-sales", s.start("refresh-sales", s.refresh))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	return mux
}

// start runs job asynchronously so the response is not held open for the whole run.
func (s *Server) start(name string, job func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.running.CompareAndSwap(false, true) {
			http.Error(w, "A run is already in progress.", http.StatusConflict)
			return
		}

		go func() {
			defer s.running.Store(false)
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Panic in background run", "run", name, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(s.ctx, runTimeout)
			defer cancel()
			if err := job(ctx); err != nil {
				slog.Error("Background run failed", "run", name, "error", err)
				return
			}
			slog.Info("Background run finished", "run", name)
		}()

		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "%s started.\n", name)
	}
}
