// Package idempotency records provider transaction ids so that redelivered
// payment notifications are acknowledged without being applied twice.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DefaultTTL is the deduplication window for a completed transaction id.
const DefaultTTL = 24 * time.Hour

// DefaultLease is how long a claim may stay unfinished before another
// delivery of the same id is allowed to take it over.
const DefaultLease = 2 * time.Minute

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// State is the result of a claim.
type State int

const (
	// StateClaimed means the caller owns the key until it calls Complete or
	// Forget, or until the lease runs out.
	StateClaimed State = iota
	// StateInFlight means another attempt holds an unexpired lease.
	StateInFlight
	// StateDone means the key was completed inside the TTL window.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClaimed:
		return "claimed"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Guard answers "has this notification already been processed".
//
// Claim checks and records in one atomic step. A claimed key is only a
// lease: it becomes a duplicate marker once Complete runs after the work has
// been committed. A lease that is neither completed nor forgotten, because
// the process died, expires and the next delivery claims the key again.
type Guard interface {
	Claim(ctx context.Context, key string) (State, error)
	Complete(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

// TxCompleter is implemented by guards that keep their records in the
// entitlement database. CompleteTx writes the completion through tx so that
// it commits or rolls back together with the entitlement change.
type TxCompleter interface {
	CompleteTx(tx *gorm.DB, key string) error
}

// Sweeper is implemented by guards that can drop expired records in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type options struct {
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

type Option func(*options)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLease overrides DefaultLease.
func WithLease(lease time.Duration) Option {
	return func(o *options) {
		if lease > 0 {
			o.lease = lease
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, lease: DefaultLease, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Key builds the guard key for a provider transaction id.
func Key(provider, transactionID string) string {
	return provider + ":" + transactionID
}

func splitKey(key string) (string, string) {
	provider, id, ok := strings.Cut(key, ":")
	if !ok {
		return "", key
	}
	return provider, id
}

// NewGuard selects a backend by name.
func NewGuard(backend string, db *gorm.DB, rdb *redis.Client, opts ...Option) (Guard, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemoryGuard(opts...), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("idempotency backend %q requires a redis client", BackendRedis)
		}
		return NewRedisGuard(rdb, opts...), nil
	case BackendDatabase, "":
		if db == nil {
			return nil, fmt.Errorf("idempotency backend %q requires a database", BackendDatabase)
		}
		return NewDBGuard(db, opts...), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", backend)
	}
}
