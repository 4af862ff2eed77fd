// Package sweeper periodically fails running executions that stopped making
// progress.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 15 * time.Minute
	defaultRunTimeout = 30 * time.Second
)

// Target is swept on every tick.
type Target interface {
	Sweep(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Config controls the sweep schedule.
type Config struct {
	Disabled   bool          `env:"SWEEPER_DISABLED"    yaml:"disabled"`
	Schedule   string        `env:"SWEEPER_SCHEDULE"    yaml:"schedule"`
	StaleAfter time.Duration `env:"SWEEPER_STALE_AFTER" yaml:"stale_after"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Parser accepts five-field cron specs and descriptors such as "@every 1m".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}
	return nil
}

// Sweeper runs Target.Sweep on a cron schedule.
type Sweeper struct {
	target Target
	cfg    Config
	logger infralogger.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a sweeper. It does nothing until Start.
func New(target Target, cfg Config, log infralogger.Logger) *Sweeper {
	cfg.SetDefaults()
	return &Sweeper{
		target: target,
		cfg:    cfg,
		logger: log.With(infralogger.Component("sweeper")),
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Start schedules the sweep. Ticks stop when ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("Sweeper started",
		infralogger.String("schedule", s.cfg.Schedule),
		infralogger.Duration("stale_after", s.cfg.StaleAfter),
	)
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// RunOnce performs one sweep and returns how many executions were failed.
func (s *Sweeper) RunOnce() int {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, defaultRunTimeout)
	defer cancel()

	n, err := s.target.Sweep(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Error("Sweep failed", infralogger.Error(err))
		return n
	}
	if n > 0 {
		s.logger.Warn("Failed stalled executions", infralogger.Int("count", n))
	} else {
		s.logger.Debug("Sweep found no stalled executions")
	}
	return n
}
