// Package lock provides the advisory lock coordinator and the lock-service
// abstraction it runs on. Locks are short-lived, owner-scoped, and expire by
// TTL so a crashed holder cannot wedge the system.
package lock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Held describes one currently-held lock.
type Held struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Service is the storage-backed mutual-exclusion primitive. Implementations
// must offer atomic compare-and-set with TTL; in-process locks are not
// enough because multiple instances coordinate through it.
type Service interface {
	// TryAcquire atomically takes the key for owner unless it is held by
	// someone else and unexpired. Re-acquiring an own key extends the TTL.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
	// GetActive lists unexpired locks whose key starts with prefix.
	GetActive(ctx context.Context, prefix string) ([]Held, error)
}

// Coordinator hands out transaction-scoped lock scopes over a Service.
type Coordinator struct {
	Service Service
	TTL     time.Duration
	// PollInterval is the spin interval while waiting for a contended key.
	PollInterval time.Duration
}

func NewCoordinator(svc Service, ttl time.Duration) *Coordinator {
	return &Coordinator{Service: svc, TTL: ttl, PollInterval: 20 * time.Millisecond}
}

// Begin opens a new scope with a fresh owner identity.
func (c *Coordinator) Begin() *Scope {
	return &Scope{c: c, owner: uuid.New().String()}
}

// Scope holds a set of advisory locks until Commit or Close. Closing a
// scope that was never committed is the rollback path; both release every
// held key.
type Scope struct {
	c     *Coordinator
	owner string
	held  []string
	done  bool
}

// Owner returns the scope's lock owner identity.
func (s *Scope) Owner() string { return s.owner }

// Acquire takes all keys, waiting on contended ones. Keys are sorted before
// acquisition so concurrent multi-key scopes cannot deadlock.
func (s *Scope) Acquire(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if err := s.acquireOne(ctx, key); err != nil {
			s.Close(ctx)
			return err
		}
		s.held = append(s.held, key)
	}
	return nil
}

func (s *Scope) acquireOne(ctx context.Context, key string) error {
	for {
		ok, err := s.c.Service.TryAcquire(ctx, key, s.owner, s.c.TTL)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		t := time.NewTimer(s.c.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Commit releases all held locks, ending the scope.
func (s *Scope) Commit(ctx context.Context) error {
	return s.release(ctx)
}

// Close releases any locks still held. Safe to call after Commit.
func (s *Scope) Close(ctx context.Context) {
	_ = s.release(ctx)
}

func (s *Scope) release(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	var firstErr error
	for _, key := range s.held {
		if err := s.c.Service.Release(ctx, key, s.owner); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release %s: %w", key, err)
		}
	}
	s.held = nil
	return firstErr
}
