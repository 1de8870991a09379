package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roboricindustries/raycon-dispatch/internal/config"
	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

type agentOptions struct {
	ID       string
	Name     string
	Role     string
	Sector   string
	Status   string
	Register bool
}

// runAgent keeps one agent session attached until interrupted, logging
// connection state, incoming broadcasts and presence snapshots.
func runAgent(ctx context.Context, a *app, opts agentOptions) error {
	role, status := policy.Role(opts.Role), policy.Status(opts.Status)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", opts.Role)
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", opts.Status)
	}
	if a.cfg.Presence.Transport == config.TransportHub {
		a.logger.Warn("in-process presence hub: this session is only visible to itself")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var regOpts []presence.Option
	if opts.Register {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.UpsertAgent(ctx, &store.Agent{
			ID:           opts.ID,
			TenantID:     a.cfg.Tenant,
			DisplayName:  opts.Name,
			Role:         role,
			Sector:       opts.Sector,
			Status:       status,
			LastActivity: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		regOpts = append(regOpts, presence.WithActivityWriter(st))
	}

	client, err := a.connectBroker(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	dial, err := a.presenceDialer(client, presence.NewHub(a.logger))
	if err != nil {
		return err
	}
	reg := a.newRegistry(regOpts...)
	ctrl := a.newController(dial, reg, opts.ID, opts.Name)
	defer ctrl.Close()

	changes := ctrl.Subscribe(ctx)
	snapshots := reg.Subscribe(ctx)

	if err := ctrl.UpdatePresence(ctx, status); err != nil {
		return err
	}
	if err := ctrl.Connect(ctx); err != nil {
		a.logger.Warn("connect failed, retrying", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent session ended", slog.String("agent_id", opts.ID))
			return nil

		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			attrs := []any{
				slog.String("from", ch.From.String()),
				slog.String("to", ch.To.String()),
				slog.Int("attempt", ch.Attempt),
			}
			if ch.Err != nil {
				attrs = append(attrs, slog.Any("error", ch.Err))
			}
			a.logger.Info("connection state", attrs...)

		case msg := <-ctrl.Messages():
			a.logger.Info("broadcast received",
				slog.String("event", msg.Event),
				slog.String("from", msg.From),
				slog.String("payload", string(msg.Payload)),
			)

		case records, ok := <-snapshots:
			if !ok {
				return nil
			}
			merged := presence.Merge(records, time.Now(), a.cfg.Presence.LivenessWindow)
			online := 0
			for _, p := range merged {
				if p.Online {
					online++
				}
			}
			a.logger.Info("presence snapshot",
				slog.Int("connections", len(records)),
				slog.Int("agents", len(merged)),
				slog.Int("online", online),
			)
		}
	}
}
