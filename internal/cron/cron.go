// Package cron runs the planner entries that feed the job queue: recurring
// triggers described by cron expressions, evaluated against the injected
// clock and gated on scheduler leadership. Entries only emit jobs (through
// the scheduling API); all real work happens in job handlers, so a planner
// crash or leader change loses at most one tick, and deduplication keeps the
// next tick from double-scheduling.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/companionmemory/compmem/internal/clock"
)

// RunFunc is a planner entry body. now is the tick's wall time from the
// planner's clock.
type RunFunc func(ctx context.Context, now time.Time) error

type entry struct {
	name string
	expr string
	run  RunFunc
	next time.Time
}

// Planner evaluates registered entries against a check loop. Ticks that pass
// while the process is not leader are skipped, never backfilled: the next
// fire is always computed strictly after the current instant.
type Planner struct {
	clock    clock.Clock
	isLeader func() bool
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlanner builds a Planner whose entries fire only while isLeader reports
// true. checkInterval bounds how far past its cron instant a fire can drift;
// zero means one second.
func NewPlanner(clk clock.Clock, isLeader func() bool, logger *slog.Logger, checkInterval time.Duration) *Planner {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	return &Planner{
		clock:    clk,
		isLeader: isLeader,
		logger:   logger,
		interval: checkInterval,
	}
}

// Add registers a named entry with a five-field cron expression in UTC.
func (p *Planner) Add(name, expr string, run RunFunc) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for entry %s", expr, name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.name == name {
			return fmt.Errorf("cron entry %s already registered", name)
		}
	}
	p.entries = append(p.entries, &entry{name: name, expr: expr, run: run})
	return nil
}

// Entries returns the registered entry names, sorted.
func (p *Planner) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.name
	}
	sort.Strings(names)
	return names
}

// Start seeds every entry's next fire strictly after now and launches the
// check loop.
func (p *Planner) Start(ctx context.Context) error {
	now := p.clock.Now().UTC()
	p.mu.Lock()
	for _, e := range p.entries {
		next, err := gronx.NextTickAfter(e.expr, now, false)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("computing first fire for %s: %w", e.name, err)
		}
		e.next = next.UTC()
	}
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("cron planner started", "entries", p.Entries(), "check_interval", p.interval)
	return nil
}

// Stop halts the check loop. A tick in progress finishes first.
func (p *Planner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Planner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Planner) tick(ctx context.Context) {
	now := p.clock.Now().UTC()
	leader := p.isLeader()

	p.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range p.entries {
		if now.Before(e.next) {
			continue
		}
		due = append(due, e)
		next, err := gronx.NextTickAfter(e.expr, now, false)
		if err != nil {
			p.logger.Error("cron next-fire computation failed", "entry", e.name, "error", err)
			e.next = now.Add(time.Minute)
			continue
		}
		e.next = next.UTC()
	}
	p.mu.Unlock()

	if !leader {
		return
	}
	for _, e := range due {
		p.fire(ctx, e, now)
	}
}

func (p *Planner) fire(ctx context.Context, e *entry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cron entry panicked", "entry", e.name, "panic", r)
		}
	}()
	if err := e.run(ctx, now); err != nil {
		p.logger.Error("cron entry failed", "entry", e.name, "error", err)
		return
	}
	p.logger.Debug("cron entry fired", "entry", e.name)
}
