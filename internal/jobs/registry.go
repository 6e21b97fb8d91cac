package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc processes one claimed job. Implementations must tolerate
// repeat delivery: at-least-once execution means a crashed worker's job runs
// again elsewhere.
type HandlerFunc func(ctx context.Context, job *Job) error

// permanentError marks failures that retries cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker dead-letters the job immediately instead
// of walking the retry schedule.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// NewHandler adapts a typed payload handler into a HandlerFunc. Decode and
// validation failures are permanent errors: retrying a malformed payload can
// never succeed. Payload types may implement Validate() error for checks
// beyond what decoding enforces.
func NewHandler[T any](fn func(ctx context.Context, job *Job, payload T) error) HandlerFunc {
	return func(ctx context.Context, job *Job) error {
		raw := job.Payload
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
		}
		if v, ok := any(&p).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return Permanent(fmt.Errorf("invalid %s payload: %w", job.Type, err))
			}
		}
		return fn(ctx, job, p)
	}
}

// Registry maps job types to their handlers. Registration happens during
// process init; dispatch is read-only after that.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Handler looks up the handler for a job type.
func (r *Registry) Handler(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs the handler registered for the job's type. A missing handler
// is permanent: the record was written with a type this build cannot serve,
// and retrying will not grow a handler. Panics inside handlers are recovered
// and returned as ordinary errors so one bad job cannot take down the worker.
func (r *Registry) Dispatch(ctx context.Context, job *Job) (err error) {
	h, ok := r.Handler(job.Type)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler for %s panicked: %v", job.Type, rec)
		}
	}()
	return h(ctx, job)
}
