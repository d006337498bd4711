package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"vpnshop/internal/models"
	"vpnshop/internal/repository"
	"vpnshop/internal/testutil"
	"vpnshop/internal/testutil/fakes"
	"vpnshop/internal/traffic"
	"vpnshop/internal/vpn"
)

const (
	month = 30 * 24 * time.Hour
	mb    = int64(1024 * 1024)
)

var start = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	t        *testing.T
	db       *gorm.DB
	clock    *testutil.Clock
	server   *models.Server
	provs    *fakes.Provisioners
	notifier *fakes.Notifier
	subs     *repository.SubscriptionRepository
	payments *repository.PaymentRepository
	keys     *vpn.KeyManager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewTestDB(t)
	e := &env{
		t:        t,
		db:       db,
		clock:    testutil.NewClock(start),
		server:   testutil.CreateServer(t, db, "v2ray", "srva"),
		provs:    fakes.NewProvisioners(),
		notifier: fakes.NewNotifier(),
		subs:     repository.NewSubscriptionRepository(db),
		payments: repository.NewPaymentRepository(db),
	}
	e.keys = vpn.NewKeyManager(repository.NewKeyRepository(db), repository.NewServerRepository(db), e.provs, time.Second, zaptest.NewLogger(t))
	return e
}

func (e *env) enforcer() *Enforcer {
	return NewEnforcer(e.subs, repository.NewTariffRepository(e.db), e.keys, traffic.NewAggregator(e.db),
		e.notifier, e.clock, 24*time.Hour, zaptest.NewLogger(e.t))
}

// subscribe creates an active subscription with one key on the test server.
func (e *env) subscribe(user *models.User, tariff *models.Tariff) *models.Subscription {
	e.t.Helper()
	ctx := context.Background()
	now := e.clock.Now()
	sub, created, err := e.subs.CreateIfAbsent(ctx, repository.NewSubscription{
		UserID:      user.ID,
		Tariff:      tariff,
		Now:         now,
		ActiveAfter: now.Add(-24 * time.Hour),
		VIP:         user.IsVIP,
	})
	require.NoError(e.t, err)
	require.True(e.t, created)
	_, err = e.keys.Ensure(ctx, sub, vpn.KindV2Ray)
	require.NoError(e.t, err)
	return sub
}

func (e *env) keyCount(subID uint) int64 {
	var n int64
	require.NoError(e.t, e.db.Model(&models.Key{}).Where("subscription_id = ?", subID).Count(&n).Error)
	return n
}

func (e *env) setUsage(bytes int64) {
	e.provs.Server(e.server.ID).SetUsage("h1", bytes)
}
