// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const nodeIDKey contextKey = "node_id"

// SetNodeID sets the authenticated peer node ID in the context
func SetNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// GetNodeID retrieves the authenticated peer node ID from the context
func GetNodeID(ctx context.Context) (string, bool) {
	nodeID, ok := ctx.Value(nodeIDKey).(string)
	return nodeID, ok && nodeID != ""
}
