// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// FailureKind is the category of a failed exchange with a peer
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureOffline
	FailureBusy
	FailureNotAuthenticated
	FailureSyncDisabled
	FailureRegistrationRequired
)

func (k FailureKind) String() string {
	switch k {
	case FailureOffline:
		return "offline"
	case FailureBusy:
		return "busy"
	case FailureNotAuthenticated:
		return "not_authenticated"
	case FailureSyncDisabled:
		return "sync_disabled"
	case FailureRegistrationRequired:
		return "registration_required"
	default:
		return "unknown"
	}
}

// Classify walks the whole error chain, joined errors included, and returns the most specific
// category found. Matching is by sentinel, error type and errno, never by message text.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	switch {
	case errors.Is(err, ErrRegistrationRequired):
		return FailureRegistrationRequired
	case errors.Is(err, ErrSyncDisabled):
		return FailureSyncDisabled
	case errors.Is(err, ErrNotAuthenticated):
		return FailureNotAuthenticated
	case isBusy(err):
		return FailureBusy
	case isOffline(err):
		return FailureOffline
	}
	return FailureUnknown
}

func isBusy(err error) bool {
	if errors.Is(err, ErrServiceBusy) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "53300" { // too_many_connections
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "53300" {
		return true
	}
	return false
}

func isOffline(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ETIMEDOUT,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P03" { // cannot_connect_now
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// OfflineListener receives one callback per failure category
type OfflineListener interface {
	Offline(nodeID string, err error)
	Busy(nodeID string, err error)
	NotAuthenticated(nodeID string, err error)
	SyncDisabled(nodeID string, err error)
	RegistrationRequired(nodeID string, err error)
	UnknownError(nodeID string, err error)
}

// Dispatch classifies err and invokes the matching listener callback
func Dispatch(l OfflineListener, nodeID string, err error) FailureKind {
	kind := Classify(err)
	if l == nil {
		return kind
	}
	switch kind {
	case FailureOffline:
		l.Offline(nodeID, err)
	case FailureBusy:
		l.Busy(nodeID, err)
	case FailureNotAuthenticated:
		l.NotAuthenticated(nodeID, err)
	case FailureSyncDisabled:
		l.SyncDisabled(nodeID, err)
	case FailureRegistrationRequired:
		l.RegistrationRequired(nodeID, err)
	default:
		l.UnknownError(nodeID, err)
	}
	return kind
}

// LoggingOfflineListener logs every failure category
type LoggingOfflineListener struct {
	Logger *slog.Logger
}

func (l LoggingOfflineListener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LoggingOfflineListener) Offline(nodeID string, err error) {
	l.logger().Warn("Peer is offline", "node_id", nodeID, "error", err)
}

func (l LoggingOfflineListener) Busy(nodeID string, err error) {
	l.logger().Info("Peer is busy", "node_id", nodeID, "error", err)
}

func (l LoggingOfflineListener) NotAuthenticated(nodeID string, err error) {
	l.logger().Error("Peer rejected our credentials", "node_id", nodeID, "error", err)
}

func (l LoggingOfflineListener) SyncDisabled(nodeID string, err error) {
	l.logger().Warn("Sync is disabled for this node on peer", "node_id", nodeID, "error", err)
}

func (l LoggingOfflineListener) RegistrationRequired(nodeID string, err error) {
	l.logger().Info("Peer requires registration", "node_id", nodeID, "error", err)
}

func (l LoggingOfflineListener) UnknownError(nodeID string, err error) {
	l.logger().Error("Exchange with peer failed", "node_id", nodeID, "error", err)
}

// BackoffPolicy computes the wait before the next attempt for a failure category.
// Delays double from Initial up to Max; SyncDisabled and NotAuthenticated wait Max at once since
// they need an operator, and RegistrationRequired retries immediately after registering.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoffPolicy mirrors the uploader loop defaults
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Second, Max: 5 * time.Minute}
}

// Next returns the delay following prev for kind; prev is zero after a success
func (p BackoffPolicy) Next(kind FailureKind, prev time.Duration) time.Duration {
	switch kind {
	case FailureRegistrationRequired:
		return 0
	case FailureSyncDisabled, FailureNotAuthenticated:
		return p.Max
	}
	initial := p.Initial
	if kind == FailureOffline {
		initial = 5 * p.Initial
	}
	if prev <= 0 {
		return min(initial, p.Max)
	}
	return min(prev*2, p.Max)
}
