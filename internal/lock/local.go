// Package lock provides an in-process LockManager with the same fail-fast
// semantics as the redis implementation. It backs tests and single-process
// deployments.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/recurswap/keeperd/internal/domain"
)

// Local is a process-wide lock table. Acquire never blocks: a held key fails
// immediately with ErrLockHeld, which is what defeats reentrancy in the
// execution path.
type Local struct {
	mu    sync.Mutex
	held  map[string]uint64
	next  uint64
	clock func() time.Time
	exp   map[string]time.Time
}

var _ domain.LockManager = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		held:  make(map[string]uint64),
		exp:   make(map[string]time.Time),
		clock: time.Now,
	}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if _, ok := l.held[key]; ok && now.Before(l.exp[key]) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockHeld, key)
	}

	l.next++
	token := l.next
	l.held[key] = token
	l.exp[key] = now.Add(ttl)

	// Unlock only releases our own acquisition; a lock that expired and was
	// re-acquired by someone else stays theirs.
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
			delete(l.exp, key)
		}
	}, nil
}
