// Package redislease keeps job leases in Redis instead of the SQL store.
package redislease

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"github.com/go-tick/dispatch"
)

const defaultPrefix = "dispatch:lease:"

type Option func(*Store)

// WithPrefix namespaces lease keys, so several deployments can share a Redis.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store is a dispatch.LeaseStore backed by Redis keys with a PX expiry. Redis
// expires keys with its own clock, so the now passed to ClaimLease is only
// used to derive the TTL.
//
// Holders are not recorded; FindLease reports an empty Holder.
type Store struct {
	client redis.UniversalClient
	locker *redislock.Client
	prefix string
	clock  func() time.Time
}

var _ dispatch.LeaseStore = (*Store)(nil)

func New(client redis.UniversalClient, options ...Option) *Store {
	s := &Store{
		client: client,
		locker: redislock.New(client),
		prefix: defaultPrefix,
		clock:  time.Now,
	}
	for _, option := range options {
		option(s)
	}

	return s
}

func (s *Store) key(lockKey string) string {
	return s.prefix + lockKey
}

func (s *Store) ClaimLease(ctx context.Context, lockKey, holder string, now, expiresAt time.Time) (*dispatch.Lease, error) {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		return nil, errors.Newf("lease ttl %s is below redis precision", ttl)
	}

	_, err := s.locker.Obtain(ctx, s.key(lockKey), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "claim lease")
	}

	return &dispatch.Lease{LockKey: lockKey, Holder: holder, ExpiresAt: expiresAt}, nil
}

func (s *Store) FindLease(ctx context.Context, lockKey string) (*dispatch.Lease, error) {
	ttl, err := s.client.PTTL(ctx, s.key(lockKey)).Result()
	if err != nil {
		return nil, unavailable(err, "find lease")
	}
	// -2 means no key, -1 a key without expiry which this store never writes
	if ttl <= 0 {
		return nil, nil
	}

	return &dispatch.Lease{LockKey: lockKey, ExpiresAt: s.clock().UTC().Add(ttl)}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, lockKey string) error {
	if err := s.client.Del(ctx, s.key(lockKey)).Err(); err != nil {
		return unavailable(err, "release lease")
	}

	return nil
}

func unavailable(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), dispatch.ErrStoreUnavailable)
}
