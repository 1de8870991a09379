package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roboricindustries/raycon-dispatch/internal/config"
	"github.com/roboricindustries/raycon-dispatch/pkg/distribution"
	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	"github.com/roboricindustries/raycon-dispatch/pkg/pubsub"
	"github.com/roboricindustries/raycon-dispatch/pkg/reconnect"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
	"github.com/roboricindustries/raycon-dispatch/pkg/wspresence"
)

const producer = "raycon-dispatch"

// app carries what every command builds from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func loadApp(flags *globalFlags) (*app, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if flags.tenant != "" {
		cfg.Tenant = flags.tenant
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &app{
		cfg:      cfg,
		logger:   logger.With("tenant", cfg.Tenant),
		registry: reg,
		metrics:  metrics.New(reg),
	}, nil
}

func newLogger(c config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (a *app) openStore() (*store.SQLStore, error) {
	st, err := store.OpenSQL(store.Options{
		Driver:      a.cfg.Database.Driver,
		DSN:         a.cfg.Database.DSN,
		CallTimeout: a.cfg.Database.CallTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// connectBroker returns nil without error when no broker is configured.
func (a *app) connectBroker(ctx context.Context) (*pubsub.Client, error) {
	rc := a.cfg.RabbitMQ
	if rc.URL == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, pubsub.Config{
		URL:                  rc.URL,
		Exchange:             rc.Exchange,
		Producer:             producer,
		ConsumerPrefetch:     rc.Prefetch,
		ReconnectBackoffBase: rc.BackoffBase,
		ReconnectBackoffCap:  rc.BackoffCap,
		Dialer: pubsub.RetryDialer(pubsub.ConnectionOptions{
			RetryAttempts: rc.DialAttempts,
			Delay:         rc.BackoffBase,
			Logger:        a.logger,
		}),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return client, nil
}

func (a *app) emitter(client *pubsub.Client) *pubsub.EventPublisher {
	var pub pubsub.Publisher = pubsub.NewFallback(a.logger)
	if client != nil {
		pub = client
	}
	return pubsub.NewEventPublisher(pub, producer, a.metrics, a.logger)
}

// presenceDialer picks the transport of the presence channel. hub is only
// used by the in-process transport.
func (a *app) presenceDialer(client *pubsub.Client, hub *presence.Hub) (presence.Dialer, error) {
	pc := a.cfg.Presence
	switch pc.Transport {
	case config.TransportHub:
		return hub.Dialer(), nil
	case config.TransportWebSocket:
		return wspresence.Dialer(pc.URL, a.logger), nil
	case config.TransportAMQP:
		if client == nil {
			return nil, errors.New("amqp presence requires rabbitmq.url")
		}
		return client.PresenceDialer(pubsub.PresenceOptions{
			StaleAfter: 2 * pc.HeartbeatInterval,
			Logger:     a.logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown presence transport %q", pc.Transport)
}

func (a *app) newRegistry(opts ...presence.Option) *presence.Registry {
	base := []presence.Option{
		presence.WithLogger(a.logger),
		presence.WithLivenessWindow(a.cfg.Presence.LivenessWindow),
	}
	return presence.NewRegistry(a.cfg.Tenant, append(base, opts...)...)
}

func (a *app) newController(dial presence.Dialer, reg *presence.Registry, agentID, displayName string) *reconnect.Controller {
	return reconnect.New(dial, reg, reconnect.Config{
		Tenant:               a.cfg.Tenant,
		AgentID:              agentID,
		DisplayName:          displayName,
		HeartbeatInterval:    a.cfg.Presence.HeartbeatInterval,
		MaxReconnectAttempts: a.cfg.Presence.MaxReconnectAttempts,
		Logger:               a.logger,
		Metrics:              a.metrics,
	})
}

func (a *app) newEngine(st store.Store, view distribution.PresenceView, em distribution.Emitter) *distribution.Engine {
	return distribution.New(st, st,
		distribution.WithPresence(view),
		distribution.WithEmitter(em),
		distribution.WithMetrics(a.metrics),
		distribution.WithLogger(a.logger),
		distribution.WithLivenessWindow(a.cfg.Presence.LivenessWindow),
	)
}

// observePresence joins the presence channel without attaching and waits up
// to wait for the first snapshot. Agents missing from presence fall back to
// their stored status, so a timeout is not an error.
func (a *app) observePresence(ctx context.Context, client *pubsub.Client, wait time.Duration) (*presence.Registry, func(), error) {
	hub := presence.NewHub(a.logger)
	dial, err := a.presenceDialer(client, hub)
	if err != nil {
		return nil, nil, err
	}
	reg := a.newRegistry()
	ctrl := a.newController(dial, reg, "", "")

	subCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	snapshots := reg.Subscribe(subCtx)

	if err := ctrl.Connect(ctx); err != nil {
		a.logger.Warn("presence unavailable, using stored status", slog.Any("error", err))
	} else {
		select {
		case <-snapshots:
		case <-subCtx.Done():
			a.logger.Warn("no presence snapshot yet, using stored status", slog.Duration("waited", wait))
		}
	}
	return reg, func() { _ = ctrl.Close() }, nil
}
