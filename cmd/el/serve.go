package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowline/internal/app"
	"escrowline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the settlement worker and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if err := a.Config.Validate(); err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Secrets.JWTSecret},
					Logger:   a.Logger.With(zap.String("component", "http")),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving escrowline API",
						zap.String("addr", addr), zap.String("base_path", basePath), zap.String("environment", a.Config.Environment))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					interval := time.Duration(a.Config.Outbox.IntervalSeconds) * time.Second
					return a.Settlement.Worker(gctx, interval)
				})
				g.Go(func() error {
					return runSweeper(gctx, a, sweepEvery)
				})
				g.Go(func() error {
					d := server.NewDispatcher(a.Engine, a.Logger.With(zap.String("component", "webhooks")))
					return d.Run(gctx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "how often overdue tasks are expired")
	return cmd
}

// runSweeper expires overdue tasks and finishes interrupted reviews until
// ctx is done.
func runSweeper(ctx context.Context, a *app.App, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		sweepOnce(ctx, a)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type sweepResult struct {
	Expired      int `json:"expired"`
	ReviewsDone  int `json:"reviews_resumed"`
	OutboxDue    int `json:"outbox_due"`
	OutboxFailed int `json:"outbox_failed"`
}

func sweepOnce(ctx context.Context, a *app.App) sweepResult {
	var out sweepResult
	log := a.Logger.With(zap.String("component", "sweeper"))
	n, err := a.Engine.ExpireOverdue(ctx)
	if err != nil {
		log.Warn("expire overdue tasks", zap.Error(err))
	}
	out.Expired = n
	if n > 0 {
		log.Info("expired overdue tasks", zap.Int("count", n))
	}
	resumed, err := a.Engine.ResumePendingReviews(ctx)
	if err != nil {
		log.Warn("resume pending reviews", zap.Error(err))
	}
	out.ReviewsDone = resumed
	return out
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue tasks, finish interrupted reviews and drain the settlement outbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res := sweepOnce(ctx, a)
				drained, err := a.Settlement.ProcessDue(ctx, 0)
				if err != nil {
					return err
				}
				res.OutboxDue = drained.Due
				res.OutboxFailed = drained.Failed
				return printJSONOr(res, func() {
					fmt.Printf("expired %d task(s), resumed %d review(s), outbox %d due / %d failed\n",
						res.Expired, res.ReviewsDone, res.OutboxDue, res.OutboxFailed)
				})
			})
		},
	}
}
