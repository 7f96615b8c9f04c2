// Package redis provides a redis-backed in-flight lock for checkout.
//
// A checkout holds the lock on its idempotency key while it charges and
// persists, so a double-clicked "Pay" on two app servers cannot run the
// same charge twice concurrently. The intent store remains the source of
// truth; the lock only narrows the race window.
package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/nylta/bulk-filing/filing"
)

// Options is the connection config.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements checkout.Locker with SET NX PX.
type Locker struct {
	client *goredis.Client
	prefix string
}

// New connects to redis.
func New(opts Options) *Locker {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewWithClient(client, opts.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "nylta:checkout:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock acquires key for ttl. A held key returns filing.ErrIntentInFlight.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	full := l.prefix + key

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, filing.External("redis", "lock", eris.Wrap(err, "redis: setnx"))
	}
	if !ok {
		return nil, filing.ErrIntentInFlight
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
			return filing.External("redis", "unlock", eris.Wrap(err, "redis: unlock"))
		}
		return nil
	}, nil
}

// Ping checks connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return filing.External("redis", "ping", eris.Wrap(err, "redis: ping"))
	}
	return nil
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}
