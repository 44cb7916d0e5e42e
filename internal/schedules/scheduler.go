package schedules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/metrics"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrIntervalTooShort      = errors.New("cron interval too short")
	ErrInvalidTimezone       = errors.New("invalid timezone")
)

// Config controls when briefing runs start.
type Config struct {
	Cron            string `mapstructure:"cron"`
	Timezone        string `mapstructure:"timezone"`
	MinIntervalMins int    `mapstructure:"min_interval_mins"`
	RunOnStart      bool   `mapstructure:"run_on_start"`
}

// Job runs one briefing. A non-nil error counts the run as failed.
type Job func(ctx context.Context) error

// Stats describes the runs started so far.
type Stats struct {
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone"`
	TotalRuns      int        `json:"total_runs"`
	SuccessfulRuns int        `json:"successful_runs"`
	FailedRuns     int        `json:"failed_runs"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

// Scheduler starts Job on a cron schedule. Overlapping triggers are
// skipped while a run is still in flight.
type Scheduler struct {
	job    Job
	logger *zap.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	cron    *cron.Cron
	entry   cron.EntryID
	stats   Stats
	running bool
	ctx     context.Context
}

// NewScheduler validates cfg and creates a stopped scheduler.
func NewScheduler(cfg Config, job Job, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		job:    job,
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	loc, err := s.validate(cfg)
	if err != nil {
		return nil, err
	}
	s.cfg, s.loc = cfg, loc
	return s, nil
}

func (s *Scheduler) validate(cfg Config) (*time.Location, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTimezone, err)
		}
		loc = l
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	if cfg.MinIntervalMins > 0 {
		next1 := sched.Next(time.Now().In(loc))
		next2 := sched.Next(next1)
		if next2.Sub(next1) < time.Duration(cfg.MinIntervalMins)*time.Minute {
			return nil, fmt.Errorf("%w: %q fires more often than every %d minutes",
				ErrIntervalTooShort, cfg.Cron, cfg.MinIntervalMins)
		}
	}
	return loc, nil
}

// Start begins firing the job until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx = ctx
	if err := s.install(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Briefing schedule started",
		zap.String("cron", s.cfg.Cron),
		zap.String("timezone", s.loc.String()),
	)
	if s.cfg.RunOnStart {
		go s.fire("startup")
	}
	return nil
}

func (s *Scheduler) install() error {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.logger}),
	)
	id, err := c.AddFunc(s.cfg.Cron, func() { s.fire("cron") })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	s.cron, s.entry = c, id
	return nil
}

// Update swaps in a new schedule. A running cron is restarted with it.
func (s *Scheduler) Update(cfg Config) error {
	loc, err := s.validate(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.cfg.Cron == cfg.Cron && s.loc.String() == loc.String() {
		s.cfg.RunOnStart = cfg.RunOnStart
		s.mu.Unlock()
		return nil
	}
	s.cfg, s.loc = cfg, loc
	old := s.cron
	if old == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.install(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron.Start()
	s.mu.Unlock()

	// in-flight jobs of the old cron finish on their own
	old.Stop()
	s.logger.Info("Briefing schedule updated", zap.String("cron", cfg.Cron), zap.String("timezone", loc.String()))
	return nil
}

// Stop halts the cron and waits for an in-flight trigger to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Trigger runs the job now unless a run is already in flight.
func (s *Scheduler) Trigger() bool { return s.fire("manual") }

// Stats returns counters and the next fire time.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.CronExpression = s.cfg.Cron
	st.Timezone = s.loc.String()
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
	}
	return st
}

func (s *Scheduler) fire(trigger string) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Skipping briefing trigger, previous run still in progress", zap.String("trigger", trigger))
		return false
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	metrics.ScheduledRuns.WithLabelValues(trigger).Inc()
	started := time.Now()
	err := s.job(ctx)

	s.mu.Lock()
	s.running = false
	s.stats.TotalRuns++
	s.stats.LastRunAt = &started
	if err != nil {
		s.stats.FailedRuns++
	} else {
		s.stats.SuccessfulRuns++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Scheduled briefing failed", zap.String("trigger", trigger), zap.Error(err))
	}
	return true
}

type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
