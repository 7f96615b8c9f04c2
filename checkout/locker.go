package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nylta/bulk-filing/filing"
)

// Locker guards an idempotency key while a checkout runs.
//
// Lock returns filing.ErrIntentInFlight when the key is already held. The
// returned unlock function releases only the lock it acquired: a lock that
// expired and was taken by someone else is left alone.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// MemoryLocker is a process-local Locker for single-instance deployments
// and tests. Multi-instance deployments use store/redis.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLock
	now  func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLock), now: time.Now}
}

func (l *MemoryLocker) Lock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, filing.ErrIntentInFlight
	}
	token := uuid.NewString()
	l.held[key] = memoryLock{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

var _ Locker = (*MemoryLocker)(nil)
