package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// LeaseManager claims fixed-TTL leases on behalf of one holder. Leases are
// never renewed, so the TTL bounds how long a job may run while protected.
type LeaseManager struct {
	store  LeaseStore
	holder string
	clock  func() time.Time
}

func NewLeaseManager(store LeaseStore, holder string, clock func() time.Time) *LeaseManager {
	if clock == nil {
		clock = utcNow
	}

	return &LeaseManager{store: store, holder: holder, clock: clock}
}

// Acquire reports whether the lease on lockKey was obtained. false means a
// valid lease is held elsewhere.
func (m *LeaseManager) Acquire(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.Newf("lease ttl must be positive, got %s", ttl)
	}

	now := m.clock().UTC()
	lease, err := m.store.ClaimLease(ctx, lockKey, m.holder, now, now.Add(ttl))
	if err != nil {
		return false, err
	}

	return lease != nil, nil
}

// Release drops the lease on lockKey. Releasing a missing lease is a no-op.
func (m *LeaseManager) Release(ctx context.Context, lockKey string) error {
	return m.store.ReleaseLease(ctx, lockKey)
}

// Active reports whether any holder has a valid lease on lockKey.
func (m *LeaseManager) Active(ctx context.Context, lockKey string) (bool, error) {
	lease, err := m.store.FindLease(ctx, lockKey)
	if err != nil {
		return false, err
	}

	return lease.Valid(m.clock().UTC()), nil
}

func (m *LeaseManager) Holder() string {
	return m.holder
}

// DeriveLockKey returns base + "_" + the hex SHA-256 of the canonical JSON of
// args and kwargs. Map keys are sorted by encoding/json, so keyword order does
// not matter.
func DeriveLockKey(base string, args []any, kwargs map[string]any) (string, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	payload, err := json.Marshal(struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}{args, kwargs})
	if err != nil {
		return "", errors.Wrapf(ErrInvalidJob, "lock key payload: %v", err)
	}

	sum := sha256.Sum256(payload)
	return base + "_" + hex.EncodeToString(sum[:]), nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
