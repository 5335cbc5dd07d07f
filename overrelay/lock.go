// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned by Acquire when another owner holds a live lease
	ErrLockHeld = errors.New("lock is held by another owner")
	// ErrLeaseLost is returned by Release when the lease expired and was taken over
	ErrLeaseLost = errors.New("lock lease lost")
)

// defaultLockTTL bounds how long a crashed holder blocks others. Live holders renew through
// withLock well before it runs out.
const defaultLockTTL = 5 * time.Minute

// Lease is proof of holding a named cluster lock
type Lease struct {
	Name       string
	Owner      string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker provides cluster-wide mutual exclusion by name. Acquire never blocks waiting for a
// holder; it returns ErrLockHeld instead.
type Locker interface {
	Acquire(ctx context.Context, name string) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// SQLLocker implements Locker on the shared _relay_lock table. Leases expire after ttl so a
// crashed holder cannot block routing forever.
type SQLLocker struct {
	db     *sql.DB
	owner  string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLLocker creates a lock-table locker. owner identifies this process in the lock table.
func NewSQLLocker(db *sql.DB, owner string, ttl time.Duration, logger *slog.Logger) *SQLLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLLocker{db: db, owner: owner, ttl: ttl, logger: logger, now: time.Now}
}

// Acquire takes the lock when it is free or its lease has expired
func (l *SQLLocker) Acquire(ctx context.Context, name string) (*Lease, error) {
	now := l.now().UTC()
	lease := &Lease{
		Name:       name,
		Owner:      l.owner,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO _relay_lock (lock_name, owner, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lock_name) DO UPDATE SET
			owner = excluded.owner,
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE _relay_lock.expires_at <= ?`,
		name, lease.Owner, lease.Token, toMillis(lease.AcquiredAt), toMillis(lease.ExpiresAt), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	l.logger.Debug("Acquired lock", "lock", name, "owner", l.owner)
	return lease, nil
}

// Release frees the lock if lease still owns it
func (l *SQLLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM _relay_lock WHERE lock_name = ? AND token = ?`, lease.Name, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lease.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Name)
	}
	l.logger.Debug("Released lock", "lock", lease.Name, "owner", l.owner)
	return nil
}

// Renew pushes the lease expiry one ttl past now. It fails with ErrLeaseLost once another owner
// has taken the lock over.
func (l *SQLLocker) Renew(ctx context.Context, lease *Lease) error {
	expires := l.now().UTC().Add(l.ttl)
	res, err := l.db.ExecContext(ctx, `UPDATE _relay_lock SET expires_at = ? WHERE lock_name = ? AND token = ?`,
		toMillis(expires), lease.Name, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", lease.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Name)
	}
	lease.ExpiresAt = expires
	return nil
}

// leaseRenewer is implemented by lockers whose leases expire while held
type leaseRenewer interface {
	Renew(ctx context.Context, lease *Lease) error
}

// withLock runs fn while holding name. Expiring leases are renewed every third of their ttl
// until fn returns. The lease is released even if fn fails or panics.
func withLock(ctx context.Context, locker Locker, name string, logger *slog.Logger, fn func() error) error {
	lease, err := locker.Acquire(ctx, name)
	if err != nil {
		return err
	}
	stopRenew := keepLeaseAlive(ctx, locker, lease, logger)
	defer func() {
		stopRenew()
		if rerr := locker.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			logger.Warn("Failed to release lock", "lock", name, "error", rerr)
		}
	}()
	return fn()
}

// keepLeaseAlive renews lease in the background. The returned func stops renewal and waits for
// the renewing goroutine to exit.
func keepLeaseAlive(ctx context.Context, locker Locker, lease *Lease, logger *slog.Logger) func() {
	renewer, ok := locker.(leaseRenewer)
	interval := lease.ExpiresAt.Sub(lease.AcquiredAt) / 3
	if !ok || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renewer.Renew(ctx, lease); err != nil {
					if ctx.Err() == nil {
						logger.Warn("Failed to renew lock", "lock", lease.Name, "error", err)
					}
					if errors.Is(err, ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
