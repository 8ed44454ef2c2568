package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "curses/pkg/logx"
)

const (
	DefaultPruneSchedule = "@hourly"
	pruneTimeout         = 30 * time.Second
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable prune schedule. An empty
// spec selects the default.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// Pruner applies a Retention to a Store on a cron schedule.
type Pruner struct {
	st    Store
	cfg   Retention
	sched cron.Schedule
	log   logx.Logger
	now   func() time.Time

	runs    atomic.Int64
	removed atomic.Int64
}

func NewPruner(st Store, cfg Retention, log logx.Logger) (*Pruner, error) {
	if st == nil {
		return nil, ErrDisabled
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultPruneSchedule
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	cfg.Schedule = spec
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{st: st, cfg: cfg, sched: sched, log: log, now: time.Now}, nil
}

// Runs is the number of completed prune passes.
func (p *Pruner) Runs() int64 { return p.runs.Load() }

// Removed is the total number of records dropped so far.
func (p *Pruner) Removed() int64 { return p.removed.Load() }

// PruneOnce applies the retention now.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	var before time.Time
	if p.cfg.MaxAge > 0 {
		before = p.now().Add(-p.cfg.MaxAge)
	}
	n, err := p.st.PruneDeliveries(ctx, before, p.cfg.MaxCount)
	p.removed.Add(int64(n))
	p.runs.Add(1)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.log.Info("deliveries pruned", logx.Int("removed", n))
	}
	return n, nil
}

// Run prunes once, then on the schedule until ctx ends. A pass that is still
// running when the next one is due makes that one skip.
func (p *Pruner) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(p.sched, cron.FuncJob(func() { p.pass(ctx) }))

	p.pass(ctx)
	c.Start()
	p.log.Debug("retention scheduled",
		logx.String("schedule", p.cfg.Schedule),
		logx.Duration("max_age", p.cfg.MaxAge),
		logx.Int("max_count", p.cfg.MaxCount),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (p *Pruner) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()
	if _, err := p.PruneOnce(cctx); err != nil && ctx.Err() == nil {
		p.log.Warn("delivery prune failed", logx.Err(err))
	}
}
