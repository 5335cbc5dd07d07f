// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAdvisoryLocker implements Locker with Postgres session advisory locks, for relay instances
// that share one Postgres cluster. Each lease pins a pool connection until Release, since
// session locks belong to the connection that took them.
type PGAdvisoryLocker struct {
	pool   *pgxpool.Pool
	owner  string
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*pgxpool.Conn // keyed by lease token
}

// NewPGAdvisoryLocker creates an advisory-lock locker over pool
func NewPGAdvisoryLocker(pool *pgxpool.Pool, owner string, logger *slog.Logger) *PGAdvisoryLocker {
	if owner == "" {
		owner = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGAdvisoryLocker{pool: pool, owner: owner, logger: logger, held: make(map[string]*pgxpool.Conn)}
}

// Acquire tries pg_try_advisory_lock on the hashed lock name
func (l *PGAdvisoryLocker) Acquire(ctx context.Context, name string) (*Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %s: %w", name, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	now := time.Now().UTC()
	lease := &Lease{Name: name, Owner: l.owner, Token: uuid.NewString(), AcquiredAt: now}
	l.mu.Lock()
	l.held[lease.Token] = conn
	l.mu.Unlock()
	l.logger.Debug("Acquired advisory lock", "lock", name, "owner", l.owner)
	return lease, nil
}

// Release unlocks and returns the pinned connection to the pool
func (l *PGAdvisoryLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	conn, ok := l.held[lease.Token]
	delete(l.held, lease.Token)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Name)
	}

	var unlocked bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, lease.Name).Scan(&unlocked)
	if err != nil || !unlocked {
		// closing the session drops every advisory lock it holds
		_ = conn.Conn().Close(ctx)
		conn.Release()
		if err != nil {
			return fmt.Errorf("failed to unlock advisory lock %s: %w", lease.Name, err)
		}
		return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Name)
	}
	conn.Release()
	l.logger.Debug("Released advisory lock", "lock", lease.Name, "owner", l.owner)
	return nil
}
