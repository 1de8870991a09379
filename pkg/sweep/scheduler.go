// Package sweep periodically retries distribution of pending conversations.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roboricindustries/raycon-dispatch/pkg/distribution"
	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 10
	DefaultItemDelay = 500 * time.Millisecond
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Lister returns the oldest pending conversations of a tenant.
type Lister interface {
	ListPending(ctx context.Context, tenantID string, limit int) ([]*store.Conversation, error)
}

// Distributor decides one conversation. *distribution.Engine implements it.
type Distributor interface {
	DistributeConversation(ctx context.Context, conv *store.Conversation) (distribution.Decision, error)
}

type Config struct {
	Tenant string

	// Interval between sweeps. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is an optional cron expression or descriptor, e.g. "@every 1m".
	Schedule  string
	BatchSize int
	ItemDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result summarizes one sweep.
type Result struct {
	Listed   int
	Assigned int
	Queued   int
	Skipped  int
	Failed   int
}

type Scheduler struct {
	list   Lister
	dist   Distributor
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
	job    cron.Job
	sched  cron.Schedule

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func New(list Lister, dist Distributor, cfg Config) (*Scheduler, error) {
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("sweep tenant is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = DefaultItemDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	spec := cfg.Schedule
	if spec == "" {
		spec = "@every " + cfg.Interval.String()
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	logger := cfg.Logger.With("component", "sweep", "tenant", cfg.Tenant)
	s := &Scheduler{
		list:   list,
		dist:   dist,
		cfg:    cfg,
		logger: logger,
		sched:  sched,
	}
	cl := cronLogger{logger}
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLogger(cl))
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.run))
	return s, nil
}

// Start sweeps once right away and then on the schedule until Stop or until
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("sweep scheduler stopped")
	}
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron.Schedule(s.sched, s.job)
	s.cron.Start()
	go s.job.Run()

	s.logger.Info("queue sweep started",
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Duration("item_delay", s.cfg.ItemDelay),
	)
	return nil
}

// Stop prevents new sweeps and waits for a running one to finish its batch.
// When ctx ends first the running sweep is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		s.logger.Info("queue sweep stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	res, err := s.Sweep(ctx)
	switch {
	case err != nil:
		s.cfg.Metrics.RecordSweep("error")
		s.logger.Error("queue sweep failed", slog.Any("error", err))
	case res.Failed > 0:
		s.cfg.Metrics.RecordSweep("partial")
	default:
		s.cfg.Metrics.RecordSweep("ok")
	}
}

// Sweep distributes up to BatchSize pending conversations, oldest first, one
// at a time. A failure on one conversation is logged and the batch goes on.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	var res Result
	pending, err := s.list.ListPending(ctx, s.cfg.Tenant, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}
	res.Listed = len(pending)
	if len(pending) == 0 {
		return res, nil
	}

	for i, conv := range pending {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.cfg.ItemDelay):
			}
		}

		d, err := s.dist.DistributeConversation(ctx, conv)
		if err != nil {
			res.Failed++
			s.cfg.Metrics.RecordSweepItem("error")
			s.logger.Warn("sweep item failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err),
			)
			continue
		}
		s.cfg.Metrics.RecordSweepItem(string(d.Outcome))
		switch d.Outcome {
		case distribution.OutcomeAssigned:
			res.Assigned++
		case distribution.OutcomeQueued:
			res.Queued++
		default:
			res.Skipped++
		}
	}

	s.logger.Info("queue sweep finished",
		slog.Int("listed", res.Listed),
		slog.Int("assigned", res.Assigned),
		slog.Int("queued", res.Queued),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// cronLogger adapts slog to cron.Logger. Cron's info lines are chatty and go
// to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
