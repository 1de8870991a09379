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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	"github.com/roboricindustries/raycon-dispatch/pkg/pubsub"
	"github.com/roboricindustries/raycon-dispatch/pkg/reconnect"
	"github.com/roboricindustries/raycon-dispatch/pkg/sweep"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("starting raycon-dispatch",
		slog.String("version", version),
		slog.String("presence", a.cfg.Presence.Transport),
		slog.Bool("broker", a.cfg.RabbitMQ.URL != ""),
	)

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := a.connectBroker(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	hub := presence.NewHub(a.logger)
	defer hub.Shutdown()
	dial, err := a.presenceDialer(client, hub)
	if err != nil {
		return err
	}
	reg := a.newRegistry()
	ctrl := a.newController(dial, reg, "", "")
	defer ctrl.Close()
	if err := ctrl.Connect(ctx); err != nil {
		a.logger.Warn("presence connect failed, retrying in background", slog.Any("error", err))
	}

	engine := a.newEngine(st, reg, a.emitter(client))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		superviseController(gctx, ctrl, a.logger)
		return nil
	})

	if a.cfg.Sweep.Enabled {
		sched, err := sweep.New(st, engine, sweep.Config{
			Tenant:    a.cfg.Tenant,
			Interval:  a.cfg.Sweep.Interval,
			Schedule:  a.cfg.Sweep.Schedule,
			BatchSize: a.cfg.Sweep.BatchSize,
			ItemDelay: a.cfg.Sweep.ItemDelay,
			Logger:    a.logger,
			Metrics:   a.metrics,
		})
		if err != nil {
			return err
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return sched.Stop(stopCtx)
		})
	}

	if client != nil {
		rc := a.cfg.RabbitMQ
		handler := pubsub.ConversationOpenedHandler(st, engine, pubsub.ArrivalOptions{
			Tenant:  a.cfg.Tenant,
			Metrics: a.metrics,
			Logger:  a.logger,
		})
		spec := pubsub.ConversationOpenedConsumer(client.Config(), rc.Queue, &pubsub.RetrySpec{
			Enabled:     rc.RetryAttempts > 0,
			TTL:         rc.RetryTTL,
			MaxAttempts: rc.RetryAttempts,
		}, handler)
		g.Go(func() error {
			err := client.RunWithConsumers(gctx, spec)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if ctrl.State() != reconnect.Connected {
				http.Error(w, "presence "+ctrl.State().String(), http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
		serveHTTP(gctx, g, &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, a.logger)
	}

	err = g.Wait()
	a.logger.Info("raycon-dispatch stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHTTP runs srv in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// superviseController logs state changes and starts over after the
// controller gave up, waiting one maximum backoff first.
func superviseController(ctx context.Context, ctrl *reconnect.Controller, logger *slog.Logger) {
	changes := ctrl.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			logger.Info("presence state",
				slog.String("from", ch.From.String()),
				slog.String("to", ch.To.String()),
				slog.Int("attempt", ch.Attempt),
			)
			if ch.To != reconnect.Disconnected || !errors.Is(ch.Err, reconnect.ErrMaxRetriesExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnect.DefaultMaxDelay):
			}
			if err := ctrl.Reconnect(ctx); err != nil {
				logger.Warn("presence reconnect failed", slog.Any("error", err))
			}
		}
	}
}
