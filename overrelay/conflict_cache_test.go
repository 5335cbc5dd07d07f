package overrelay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConflictSettingsCache_MostSpecificWins(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")
	for _, c := range []ConflictSetting{
		{ConflictID: "default-1", DetectType: DetectUsePKData, ResolveType: ResolveIgnore},
		{ConflictID: "default-2", DetectType: DetectUsePKData, ResolveType: ResolveManual},
		{ConflictID: "sales", TargetChannelID: "sales", DetectType: DetectUsePKData, ResolveType: ResolveFallbackToTargetWins},
		{ConflictID: "orders", TargetTableName: "ORDERS", DetectType: DetectUseChangedData, ResolveType: ResolveNewerWins},
		{ConflictID: "sales-orders", TargetChannelID: "sales", TargetTableName: "orders", DetectType: DetectUseVersion, DetectExpression: "version", ResolveType: ResolveNewerWins},
	} {
		require.NoError(t, SaveConflict(ctx, db, c))
	}

	cache, err := NewConflictSettingsCache(8, testLogger())
	require.NoError(t, err)
	pick := func(channel, table string) string {
		s, err := cache.Resolve(ctx, db, channel, table)
		require.NoError(t, err)
		return s.ConflictID
	}

	require.Equal(t, "sales-orders", pick("sales", "orders"))
	require.Equal(t, "orders", pick(DefaultChannelID, "orders"))
	require.Equal(t, "sales", pick("sales", "customers"))
	require.Equal(t, "default-1", pick(DefaultChannelID, "customers"))
}

func TestConflictSettingsCache_ImplicitAndInvalidation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "n1")
	cache, err := NewConflictSettingsCache(0, testLogger())
	require.NoError(t, err)

	s, err := cache.Resolve(ctx, db, DefaultChannelID, "item")
	require.NoError(t, err)
	require.Empty(t, s.ConflictID)
	require.Equal(t, DetectUsePKData, s.DetectType)
	require.Equal(t, ResolveFallbackToSourceWins, s.ResolveType)

	// saving a setting moves the config version and the next lookup sees it
	require.NoError(t, SaveConflict(ctx, db, ConflictSetting{
		ConflictID: "items", TargetTableName: "item", DetectType: DetectUsePKData, ResolveType: ResolveIgnore,
	}))
	s, err = cache.Resolve(ctx, db, DefaultChannelID, "item")
	require.NoError(t, err)
	require.Equal(t, "items", s.ConflictID)

	require.NoError(t, DeleteConflict(ctx, db, "items"))
	s, err = cache.Resolve(ctx, db, DefaultChannelID, "item")
	require.NoError(t, err)
	require.Empty(t, s.ConflictID)
}

func TestConflictSetting_Validate(t *testing.T) {
	valid := ConflictSetting{ConflictID: "c", DetectType: DetectUseTimestamp, DetectExpression: "updated_at", ResolveType: ResolveNewerWins, PingBack: PingBackSingleRow}
	require.NoError(t, valid.Validate())

	noColumn := valid
	noColumn.DetectExpression = ""
	require.Error(t, noColumn.Validate())

	badResolve := valid
	badResolve.ResolveType = "LOUDEST_WINS"
	require.Error(t, badResolve.Validate())

	badPing := valid
	badPing.PingBack = "ALWAYS"
	require.Error(t, badPing.Validate())

	require.Error(t, (&ConflictSetting{DetectType: DetectUsePKData, ResolveType: ResolveIgnore}).Validate())
}
