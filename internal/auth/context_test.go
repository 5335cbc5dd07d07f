package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthContext(t *testing.T) {
	ctx := context.Background()
	_, ok := GetNodeID(ctx)
	require.False(t, ok)

	ctx = SetNodeID(ctx, "store-7")
	nodeID, ok := GetNodeID(ctx)
	require.True(t, ok)
	require.Equal(t, "store-7", nodeID)

	_, ok = GetNodeID(SetNodeID(context.Background(), ""))
	require.False(t, ok, "empty node id is not an identity")
}
