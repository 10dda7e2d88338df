package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/store"
)

var (
	ErrInvalidID       = errors.New("session id is required")
	ErrDuplicateID     = errors.New("session id already exists")
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorage wraps every durable read/write failure.
	ErrStorage = errors.New("session storage failure")
)

// Registry caches every consultation in memory and mirrors each mutation to
// the durable store as a full rewrite of one record.
type Registry struct {
	store store.Store
	log   *logger.Logger
	now   func() time.Time

	// writeMu serializes mutations end to end so overlapping rewrites of the
	// record cannot lose updates.
	writeMu sync.Mutex

	mu       sync.RWMutex
	sessions []consultation.Session
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads the persisted consultations from s.
func Open(ctx context.Context, s store.Store, log *logger.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		store: s,
		log:   logger.Component(log, "SessionRegistry"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	sessions, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	r.sessions = sessions
	r.log.Debug("registry loaded", "sessions", len(sessions))
	return r, nil
}

func (r *Registry) read(ctx context.Context) ([]consultation.Session, error) {
	data, err := r.store.Get(ctx, recordKey)
	if errors.Is(err, store.ErrNotFound) {
		return []consultation.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrStorage, err)
	}
	sessions, err := decodeSessions(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrStorage, err)
	}
	if sessions == nil {
		sessions = []consultation.Session{}
	}
	return sessions, nil
}

// Reload re-reads the durable record. On failure the cache is kept.
func (r *Registry) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	sessions, err := r.read(ctx)
	if err != nil {
		r.log.Error("reload failed, keeping cached sessions", "error", err)
		return err
	}
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	return nil
}

// List returns every consultation, most recent first.
func (r *Registry) List() []consultation.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]consultation.Session, len(r.sessions))
	for i, s := range r.sessions {
		out[i] = s.Clone()
	}
	return out
}

// Get looks up one consultation.
func (r *Registry) Get(id string) (consultation.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return consultation.Session{}, false
}

// Create inserts a new empty consultation at the front of the list. It
// returns once both the durable write and the cache update are done.
func (r *Registry) Create(ctx context.Context, id string) (consultation.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return consultation.Session{}, ErrInvalidID
	}

	session := consultation.NewSession(id, r.now())
	err := r.mutate(ctx, "create", func(current []consultation.Session) ([]consultation.Session, bool, error) {
		if indexOf(current, id) >= 0 {
			return nil, false, ErrDuplicateID
		}
		return append([]consultation.Session{session}, current...), true, nil
	})
	if err != nil {
		return consultation.Session{}, err
	}
	return session.Clone(), nil
}

// Delete removes a consultation. Unknown ids are ignored.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.mutate(ctx, "delete", func(current []consultation.Session) ([]consultation.Session, bool, error) {
		idx := indexOf(current, id)
		if idx < 0 {
			return nil, false, nil
		}
		return append(current[:idx:idx], current[idx+1:]...), true, nil
	})
}

// AppendAndComplete replaces the transcript and marks the consultation
// completed in a single durable write. Completed consultations are left as is.
func (r *Registry) AppendAndComplete(ctx context.Context, id string, messages []consultation.Message) error {
	return r.mutate(ctx, "append-and-complete", func(current []consultation.Session) ([]consultation.Session, bool, error) {
		idx := indexOf(current, id)
		if idx < 0 {
			return nil, false, ErrSessionNotFound
		}
		if current[idx].Completed {
			return nil, false, nil
		}
		updated := current[idx]
		updated.Messages = append([]consultation.Message{}, messages...)
		current[idx] = updated.Complete()
		return current, true, nil
	})
}

// MarkCompleted flags the consultation completed without touching messages.
func (r *Registry) MarkCompleted(ctx context.Context, id string) error {
	return r.mutate(ctx, "mark-completed", func(current []consultation.Session) ([]consultation.Session, bool, error) {
		idx := indexOf(current, id)
		if idx < 0 {
			return nil, false, ErrSessionNotFound
		}
		if current[idx].Completed {
			return nil, false, nil
		}
		current[idx] = current[idx].Complete()
		return current, true, nil
	})
}

// Clear drops every consultation.
func (r *Registry) Clear(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.store.Delete(context.WithoutCancel(ctx), recordKey); err != nil {
		r.log.Error("clear failed", "error", err)
		return fmt.Errorf("%w: clear: %w", ErrStorage, err)
	}
	r.mu.Lock()
	r.sessions = []consultation.Session{}
	r.mu.Unlock()
	return nil
}

// mutate re-reads the durable record, applies fn to it, persists the result
// and only then swaps it into the cache. Starting from the stored record
// keeps writes made by other processes sharing the store. fn reports
// changed=false for no-ops.
func (r *Registry) mutate(ctx context.Context, op string, fn func([]consultation.Session) ([]consultation.Session, bool, error)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	working, err := r.read(context.WithoutCancel(ctx))
	if err != nil {
		r.log.Error("refresh before write failed", "op", op, "error", err)
		return err
	}

	next, changed, err := fn(working)
	if err != nil || !changed {
		if err == nil {
			r.mu.Lock()
			r.sessions = working
			r.mu.Unlock()
		}
		return err
	}

	data, err := encodeSessions(next)
	if err != nil {
		r.log.Error("encode sessions failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
	// A started write always runs to completion even if the caller goes away.
	if err := r.store.Set(context.WithoutCancel(ctx), recordKey, data); err != nil {
		r.log.Error("persist sessions failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}

	r.mu.Lock()
	r.sessions = next
	r.mu.Unlock()
	r.log.Debug("sessions persisted", "op", op, "sessions", len(next))
	return nil
}

func indexOf(sessions []consultation.Session, id string) int {
	for i, s := range sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}
