package overrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelInWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 1, 1, h, m, 0, 0, time.UTC) }

	always := Channel{ChannelID: "c"}
	require.True(t, always.InWindow(at(3, 0)))

	day := Channel{ChannelID: "c", WindowStart: "08:00", WindowEnd: "18:00"}
	require.True(t, day.InWindow(at(8, 0)))
	require.True(t, day.InWindow(at(17, 59)))
	require.False(t, day.InWindow(at(18, 0)))
	require.False(t, day.InWindow(at(7, 59)))

	overnight := Channel{ChannelID: "c", WindowStart: "22:00", WindowEnd: "02:00"}
	require.True(t, overnight.InWindow(at(23, 30)))
	require.True(t, overnight.InWindow(at(1, 0)))
	require.False(t, overnight.InWindow(at(12, 0)))

	// window times are UTC regardless of the caller's zone
	plus2 := time.FixedZone("plus2", 2*3600)
	require.True(t, day.InWindow(time.Date(2025, 1, 1, 19, 0, 0, 0, plus2)))
}

func TestSaveChannel_DefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")

	require.NoError(t, SaveChannel(ctx, db, Channel{ChannelID: "orders", ProcessingOrder: 5, Enabled: true}))
	c, err := GetChannel(ctx, db, "orders")
	require.NoError(t, err)
	require.Equal(t, defaultMaxBatchSize, c.MaxBatchSize)
	require.Equal(t, defaultMaxBatchToSend, c.MaxBatchToSend)
	require.Equal(t, defaultMaxDataToRoute, c.MaxDataToRoute)
	require.True(t, c.Enabled)

	require.Error(t, SaveChannel(ctx, db, Channel{ChannelID: "bad id;"}))
	require.Error(t, SaveChannel(ctx, db, Channel{ChannelID: "w", WindowStart: "25:00", WindowEnd: "01:00"}))

	_, err = GetChannel(ctx, db, "missing")
	require.ErrorIs(t, err, ErrChannelNotFound)

	channels, err := GetChannels(ctx, db)
	require.NoError(t, err)
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ChannelID)
	}
	require.Equal(t, []string{ConfigChannelID, "orders", DefaultChannelID}, ids)
}
