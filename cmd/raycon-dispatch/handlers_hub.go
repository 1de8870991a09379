package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	"github.com/roboricindustries/raycon-dispatch/pkg/wspresence"
)

func runHub(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := presence.NewHub(a.logger)
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Hub.Path, wspresence.NewServer(hub, a.logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	g, gctx := errgroup.WithContext(ctx)
	serveHTTP(gctx, g, &http.Server{Addr: a.cfg.Hub.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, a.logger)
	g.Go(func() error {
		<-gctx.Done()
		hub.Shutdown()
		return nil
	})

	a.logger.Info("presence hub started", slog.String("addr", a.cfg.Hub.Addr), slog.String("path", a.cfg.Hub.Path))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
