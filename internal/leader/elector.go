package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ElectorConfig controls the lease geometry. The refresh interval must be
// comfortably shorter than the TTL so one missed write does not drop
// leadership.
type ElectorConfig struct {
	TTL     time.Duration
	Refresh time.Duration
}

// DefaultElectorConfig returns the standard 90s lease refreshed every 30s.
func DefaultElectorConfig() ElectorConfig {
	return ElectorConfig{TTL: 90 * time.Second, Refresh: 30 * time.Second}
}

// Elector runs the acquire/refresh loop for one candidate process. Callers
// gate leader-only work on IsLeader; a false answer can lag an actual loss by
// up to one refresh interval, which the lock TTL is sized to tolerate.
type Elector struct {
	lock   *Lock
	cfg    ElectorConfig
	logger *slog.Logger

	leader atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewElector builds an Elector over lock. Zero config fields fall back to the
// defaults.
func NewElector(lock *Lock, cfg ElectorConfig, logger *slog.Logger) *Elector {
	def := DefaultElectorConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = def.Refresh
	}
	return &Elector{lock: lock, cfg: cfg, logger: logger}
}

// IsLeader reports whether this process currently holds the scheduler lease.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Start launches the election loop. The first acquire attempt happens
// immediately so a lone process leads without waiting a full interval.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("scheduler elector started",
		"process_id", e.lock.ProcessID(),
		"ttl", e.cfg.TTL,
		"refresh", e.cfg.Refresh)
}

// Stop halts the loop and releases the lease if held, so a clean shutdown
// hands leadership over immediately instead of after TTL expiry.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.leader.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.lock.Release(ctx); err != nil {
			e.logger.Warn("failed to release scheduler lock on shutdown", "error", err)
			return
		}
		e.logger.Info("scheduler leadership released", "process_id", e.lock.ProcessID())
	}
}

// Status combines this process's view with the lock record for operators.
func (e *Elector) Status(ctx context.Context) (*Status, error) {
	st, err := e.lock.Holder(ctx)
	if err != nil {
		return nil, err
	}
	st.Leader = e.IsLeader()
	return st, nil
}

func (e *Elector) run(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)
	ticker := time.NewTicker(e.cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.leader.Load() {
		err := e.lock.Refresh(ctx, e.cfg.TTL)
		if err == nil {
			return
		}
		// Any refresh failure steps down; planning with a doubtful lease
		// risks duplicate cron emissions across processes.
		e.leader.Store(false)
		if errors.Is(err, ErrLockLost) {
			e.logger.Warn("scheduler leadership lost", "process_id", e.lock.ProcessID())
		} else {
			e.logger.Error("scheduler lock refresh failed, stepping down", "error", err)
		}
		return
	}

	ok, err := e.lock.Acquire(ctx, e.cfg.TTL)
	if err != nil {
		e.logger.Warn("scheduler lock acquire failed", "error", err)
		return
	}
	if ok {
		e.leader.Store(true)
		e.logger.Info("scheduler leadership acquired", "process_id", e.lock.ProcessID())
	}
}
