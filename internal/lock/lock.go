// Package lock serializes merges that write the same primary lead.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// caller's deadline.
var ErrNotAcquired = eris.New("lock: not acquired")

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = eris.New("lock: not held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases by key. ttl bounds how long a lease may
// be held when the backend supports expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker serializes callers within one process.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]*localEntry
}

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]*localEntry)}
}

// Acquire blocks until key is free or ctx is done. ttl is ignored.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	e, ok := l.sems[key]
	if !ok {
		e = &localEntry{sem: semaphore.NewWeighted(1)}
		l.sems[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, err)
	}
	return &localLease{locker: l, key: key, entry: e}, nil
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.sems, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry
	once   sync.Once
}

func (le *localLease) Release(context.Context) error {
	released := false
	le.once.Do(func() {
		le.entry.sem.Release(1)
		le.locker.unref(le.key, le.entry)
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Multi acquires every locker in order and releases in reverse. It lets an
// in-process lock front a cross-process one.
type Multi []Locker

// Acquire takes each lock in turn, unwinding on failure.
func (m Multi) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	held := make(multiLease, 0, len(m))
	for _, l := range m {
		lease, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			_ = held.Release(ctx)
			return nil, err
		}
		held = append(held, lease)
	}
	return held, nil
}

type multiLease []Lease

func (ml multiLease) Release(ctx context.Context) error {
	var first error
	for i := len(ml) - 1; i >= 0; i-- {
		if err := ml[i].Release(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
