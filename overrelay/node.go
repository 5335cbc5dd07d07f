// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNodeNotFound is returned for an unknown peer id
var ErrNodeNotFound = errors.New("node not found")

const seqConfigVersion = "config_version"

// SavePeer inserts or updates a peer definition
func SavePeer(ctx context.Context, q dbtx, n Node) error {
	if n.NodeID == "" || n.NodeID == UnroutedNodeID {
		return fmt.Errorf("invalid peer id %q", n.NodeID)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var registered any
	if n.RegisteredAt != nil {
		registered = toMillis(*n.RegisteredAt)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO _relay_node (node_id, sync_url, sync_enabled, registration_open, registered_at, auth_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			sync_url = excluded.sync_url,
			sync_enabled = excluded.sync_enabled,
			registration_open = excluded.registration_open,
			registered_at = COALESCE(excluded.registered_at, _relay_node.registered_at),
			auth_token = CASE WHEN excluded.auth_token <> '' THEN excluded.auth_token ELSE _relay_node.auth_token END`,
		n.NodeID, n.SyncURL, boolToInt(n.SyncEnabled), boolToInt(n.RegistrationOpen), registered, n.AuthToken, toMillis(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save peer %s: %w", n.NodeID, err)
	}
	return bumpConfigVersion(ctx, q)
}

// GetNode loads one peer
func GetNode(ctx context.Context, q dbtx, nodeID string) (*Node, error) {
	row := q.QueryRowContext(ctx, `
		SELECT node_id, sync_url, sync_enabled, registration_open, registered_at, auth_token, created_at
		FROM _relay_node WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return n, err
}

// GetPeers returns every peer, or only sync-enabled ones when enabledOnly is set
func GetPeers(ctx context.Context, q dbtx, enabledOnly bool) ([]Node, error) {
	query := `SELECT node_id, sync_url, sync_enabled, registration_open, registered_at, auth_token, created_at FROM _relay_node`
	if enabledOnly {
		query += ` WHERE sync_enabled = 1`
	}
	query += ` ORDER BY node_id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query peers: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNode(r rowScanner) (*Node, error) {
	var n Node
	var enabled, open int
	var registered sql.NullInt64
	var created int64
	if err := r.Scan(&n.NodeID, &n.SyncURL, &enabled, &open, &registered, &n.AuthToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	n.SyncEnabled = enabled != 0
	n.RegistrationOpen = open != 0
	if registered.Valid {
		t := fromMillis(registered.Int64)
		n.RegisteredAt = &t
	}
	n.CreatedAt = fromMillis(created)
	return &n, nil
}

// markRegistered records a completed registration and closes it
func markRegistered(ctx context.Context, q dbtx, nodeID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE _relay_node SET registered_at = ?, registration_open = 0, sync_enabled = 1 WHERE node_id = ?`,
		toMillis(at), nodeID)
	if err != nil {
		return fmt.Errorf("failed to mark %s registered: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return bumpConfigVersion(ctx, q)
}

// bumpConfigVersion invalidates caches built from channels, peers and conflict settings
func bumpConfigVersion(ctx context.Context, q dbtx) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO _relay_sequence (sequence_name, current_value) VALUES (?, 1)
		ON CONFLICT (sequence_name) DO UPDATE SET current_value = current_value + 1`, seqConfigVersion); err != nil {
		return fmt.Errorf("failed to bump config version: %w", err)
	}
	return nil
}

func configVersion(ctx context.Context, q dbtx) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT current_value FROM _relay_sequence WHERE sequence_name = ?`, seqConfigVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read config version: %w", err)
	}
	return v, nil
}
