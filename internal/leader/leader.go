// Package leader elects a single scheduler process through a lease record in
// the shared table. Every scheduler candidate runs an Elector; whichever
// process wins the conditional write on the lock record plans cron work until
// it stops refreshing, and the others take over once the lease expires.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/table"
)

const (
	partitionSystem = "system#scheduler"
	sortKeyLock     = "lock#main"
)

// ErrLockLost is returned by Refresh when another process holds the lock.
var ErrLockLost = errors.New("leader: lock lost")

// Info identifies the process holding the lock, for operators.
type Info struct {
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Status describes the current lock record as seen in the table.
type Status struct {
	Leader     bool       `json:"leader"`
	ProcessID  string     `json:"processId,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Instance   *Info      `json:"instance,omitempty"`
}

// Lock is one process's handle on the scheduler lease. The process identity
// is fixed at construction, so a restarted process is a different candidate.
type Lock struct {
	tbl       table.Client
	clock     clock.Clock
	processID string
	info      Info
}

// NewLock builds a lock handle with a fresh process identity.
func NewLock(tbl table.Client, clk clock.Clock) *Lock {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	pid := os.Getpid()
	return &Lock{
		tbl:       tbl,
		clock:     clk,
		processID: fmt.Sprintf("%d-%s", pid, uuid.NewString()),
		info: Info{
			Hostname:  hostname,
			PID:       pid,
			StartedAt: clk.Now(),
		},
	}
}

// ProcessID returns this candidate's identity as written into the lock record.
func (l *Lock) ProcessID() string { return l.processID }

// Acquire attempts to take the lease for ttl. It succeeds when no lock record
// exists or the existing one has expired; a live lock held elsewhere returns
// (false, nil).
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	info, err := json.Marshal(l.info)
	if err != nil {
		return false, fmt.Errorf("encoding instance info: %w", err)
	}

	item := table.Item{
		PK: partitionSystem,
		SK: sortKeyLock,
		Attrs: map[string]any{
			"process_id":    l.processID,
			"acquired_at":   table.FormatTime(now),
			"expires_at":    table.FormatTime(now.Add(ttl)),
			"instance_info": string(info),
		},
	}
	cond := table.Or(
		table.IfAbsent(),
		table.Lt("expires_at", table.FormatTime(now)),
	)
	err = l.tbl.Put(ctx, item, cond)
	if errors.Is(err, table.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	return true, nil
}

// Refresh extends the lease by ttl from now. Returns ErrLockLost when the
// record no longer carries this process's identity.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	now := l.clock.Now()
	err := l.tbl.Update(ctx, partitionSystem, sortKeyLock,
		map[string]any{"expires_at": table.FormatTime(now.Add(ttl))},
		nil,
		table.Eq("process_id", l.processID))
	if errors.Is(err, table.ErrConditionFailed) {
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("refreshing scheduler lock: %w", err)
	}
	return nil
}

// Release deletes the lock record if this process still holds it, letting the
// next candidate take over without waiting for expiry. Releasing a lock held
// elsewhere is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	err := l.tbl.Delete(ctx, partitionSystem, sortKeyLock, table.Eq("process_id", l.processID))
	if errors.Is(err, table.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing scheduler lock: %w", err)
	}
	return nil
}

// Holder reads the current lock record. A missing record means no leader.
func (l *Lock) Holder(ctx context.Context) (*Status, error) {
	item, err := l.tbl.Get(ctx, partitionSystem, sortKeyLock)
	if errors.Is(err, table.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scheduler lock: %w", err)
	}

	st := &Status{}
	if v, ok := item.Attrs["process_id"].(string); ok {
		st.ProcessID = v
	}
	if v, ok := item.Attrs["acquired_at"].(string); ok {
		if t, err := table.ParseTime(v); err == nil {
			st.AcquiredAt = &t
		}
	}
	if v, ok := item.Attrs["expires_at"].(string); ok {
		if t, err := table.ParseTime(v); err == nil {
			st.ExpiresAt = &t
		}
	}
	if v, ok := item.Attrs["instance_info"].(string); ok {
		var info Info
		if err := json.Unmarshal([]byte(v), &info); err == nil {
			st.Instance = &info
		}
	}
	return st, nil
}
