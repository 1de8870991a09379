package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/sweep"
)

const presenceWait = 3 * time.Second

func runDistribute(ctx context.Context, a *app, conversationID string, out io.Writer) error {
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

	reg, closePresence, err := a.observePresence(ctx, client, presenceWait)
	if err != nil {
		return err
	}
	defer closePresence()

	d, err := a.newEngine(st, reg, a.emitter(client)).Distribute(ctx, conversationID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "conversation\t%s\n", d.ConversationID)
	fmt.Fprintf(w, "outcome\t%s\n", d.Outcome)
	fmt.Fprintf(w, "reason\t%s\n", d.Reason)
	if d.AgentID != "" {
		fmt.Fprintf(w, "agent\t%s\n", d.AgentID)
		fmt.Fprintf(w, "load\t%d/%d\n", d.Load, d.Capacity)
	}
	fmt.Fprintf(w, "candidates\t%d\n", d.Candidates)
	return w.Flush()
}

func runSweepOnce(ctx context.Context, a *app, out io.Writer) error {
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

	reg, closePresence, err := a.observePresence(ctx, client, presenceWait)
	if err != nil {
		return err
	}
	defer closePresence()

	sched, err := sweep.New(st, a.newEngine(st, reg, a.emitter(client)), sweep.Config{
		Tenant:    a.cfg.Tenant,
		BatchSize: a.cfg.Sweep.BatchSize,
		ItemDelay: a.cfg.Sweep.ItemDelay,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	res, err := sched.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "listed=%d assigned=%d queued=%d skipped=%d failed=%d\n",
		res.Listed, res.Assigned, res.Queued, res.Skipped, res.Failed)
	return err
}

func runAgents(ctx context.Context, a *app, out io.Writer) error {
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

	reg, closePresence, err := a.observePresence(ctx, client, presenceWait)
	if err != nil {
		return err
	}
	defer closePresence()

	roster, err := a.newEngine(st, reg, nil).Roster(ctx, a.cfg.Tenant)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tSECTOR\tLIVE\tLOAD\tCAPACITY")
	for _, c := range roster {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%d\n",
			c.Agent.ID, c.Agent.DisplayName, c.Agent.Role, c.Agent.Sector, c.Live, c.Load, c.Capacity)
	}
	return w.Flush()
}
