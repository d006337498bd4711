package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnshop/internal/models"
	"vpnshop/internal/testutil"
)

func TestAggregateCountsGrowthOnce(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, 30*24*time.Hour, 1000)
	sub := &models.Subscription{UserID: user.ID, Token: "tok", TariffID: tariff.ID, IsActive: true, ExpiresAt: now.Add(time.Hour).Unix()}
	require.NoError(t, db.Create(sub).Error)

	s1 := testutil.CreateServer(t, db, "v2ray", "a")
	s2 := testutil.CreateServer(t, db, "v2ray", "b")
	k1 := &models.Key{SubscriptionID: sub.ID, ServerID: s1.ID, Kind: "v2ray", Handle: "x", TrafficUsageBytes: 100}
	k2 := &models.Key{SubscriptionID: sub.ID, ServerID: s2.ID, Kind: "v2ray", Handle: "y", TrafficUsageBytes: 50}
	require.NoError(t, db.Create(k1).Error)
	require.NoError(t, db.Create(k2).Error)

	agg := NewAggregator(db)

	usage, err := agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(150), usage)

	// Re-running without counter growth changes nothing.
	usage, err = agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(150), usage)

	require.NoError(t, db.Model(k1).Update("traffic_usage_bytes", 300).Error)
	usage, err = agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(350), usage)

	var stored int64
	require.NoError(t, db.Model(&models.Key{}).Where("id = ?", k1.ID).Select("traffic_usage_bytes").Scan(&stored).Error)
	assert.Equal(t, int64(300), stored, "keys are never written")
}

func TestAggregateIgnoresShrinkingSum(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, time.Hour, 0)
	sub := &models.Subscription{UserID: user.ID, Token: "t2", TariffID: tariff.ID, IsActive: true, ExpiresAt: now.Unix()}
	require.NoError(t, db.Create(sub).Error)
	server := testutil.CreateServer(t, db, "outline", "o")
	key := &models.Key{SubscriptionID: sub.ID, ServerID: server.ID, Kind: "outline", Handle: "1", TrafficUsageBytes: 500}
	require.NoError(t, db.Create(key).Error)

	agg := NewAggregator(db)
	_, err := agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)

	// Server counter reset.
	require.NoError(t, db.Model(key).Update("traffic_usage_bytes", 20).Error)
	usage, err := agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage)

	require.NoError(t, db.Model(key).Update("traffic_usage_bytes", 70).Error)
	usage, err = agg.Aggregate(ctx, sub.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(550), usage)
}

func TestAggregateWithoutKeys(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, time.Hour, 0)
	sub := &models.Subscription{UserID: user.ID, Token: "t3", TariffID: tariff.ID, IsActive: true}
	require.NoError(t, db.Create(sub).Error)

	usage, err := NewAggregator(db).Aggregate(context.Background(), sub.ID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, usage)
}
