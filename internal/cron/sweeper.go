// Package cron runs the periodic board sweep: orphan recovery followed by
// auto-spawn for every configured project, on a cron schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule sweeps every 30 seconds.
const DefaultSchedule = "@every 30s"

// cronParser accepts 5-field expressions and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Target is one project's board.
type Target interface {
	ProjectID() string
	Sweep(ctx context.Context) error
}

type Config struct {
	Schedule string
	Targets  []Target
	Logger   *slog.Logger
}

// Sweeper sweeps every target once on Start and then on each scheduled run.
type Sweeper struct {
	logger  *slog.Logger
	targets []Target

	mu       sync.Mutex
	schedule cronlib.Schedule
	expr     string
	reset    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		logger:   logger.With("component", "sweeper"),
		targets:  cfg.Targets,
		schedule: sched,
		expr:     expr,
		reset:    make(chan struct{}, 1),
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.Schedule(), "projects", len(s.targets))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// Schedule returns the active expression.
func (s *Sweeper) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Reschedule switches to expr from the next run on. An invalid expression
// leaves the current schedule in place.
func (s *Sweeper) Reschedule(expr string) error {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", expr, err)
	}
	s.mu.Lock()
	changed := s.expr != expr
	s.schedule, s.expr = sched, expr
	s.mu.Unlock()
	if changed {
		select {
		case s.reset <- struct{}{}:
		default:
		}
		s.logger.Info("sweep rescheduled", "schedule", expr)
	}
	return nil
}

func (s *Sweeper) next(after time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Next(after)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then on each scheduled run.
	_ = s.SweepOnce(ctx)

	timer := time.NewTimer(time.Until(s.next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			_ = s.SweepOnce(ctx)
		}
		timer.Reset(time.Until(s.next(time.Now())))
	}
}

// SweepOnce sweeps every target in order. A failing target is logged and
// does not stop the others; the joined errors are returned.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.targets {
		if ctx.Err() != nil {
			break
		}
		if err := t.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "project_id", t.ProjectID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
