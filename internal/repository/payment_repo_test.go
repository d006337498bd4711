package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnshop/internal/models"
	"vpnshop/internal/testutil"
)

func TestPaymentTransitions(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	p := testutil.CreatePayment(t, db, "p1", user, tariff, testutil.PaymentOpts{Status: models.PaymentPending})

	ok, err := repo.CompleteIfPaid(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending cannot complete")

	ok, err = repo.MarkPaid(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.MarkPaid(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CompleteIfPaid(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "completed is terminal")
	assert.Equal(t, models.PaymentCompleted, testutil.ReloadPayment(t, db, p.ID).Status)
}

func TestCompleteIfPaidSingleWinner(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	p := testutil.CreatePayment(t, db, "p1", user, tariff, testutil.PaymentOpts{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.CompleteIfPaid(context.Background(), p.ID)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGetPaymentNotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, err := NewPaymentRepository(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkSubscriptionOnce(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	p := testutil.CreatePayment(t, db, "p1", user, tariff, testutil.PaymentOpts{})

	ok, err := repo.LinkSubscription(ctx, p.ID, 7, models.OutcomeDuplicate)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.LinkSubscription(ctx, p.ID, 8, models.OutcomeRepaired)
	require.NoError(t, err)
	assert.False(t, ok)

	got := testutil.ReloadPayment(t, db, p.ID)
	assert.Equal(t, uint(7), *got.SubscriptionID)
	assert.Equal(t, models.OutcomeDuplicate, got.Outcome)
}

func TestNotificationClaim(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	p := testutil.CreatePayment(t, db, "p1", user, tariff, testutil.PaymentOpts{})
	lease := 20 * time.Second

	ok, err := repo.ClaimNotification(ctx, p.ID, testNow, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimNotification(ctx, p.ID, testNow.Add(time.Second), lease)
	require.NoError(t, err)
	assert.False(t, ok, "claim is held")

	ok, err = repo.ClaimNotification(ctx, p.ID, testNow.Add(time.Minute), lease)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be taken over")

	require.NoError(t, repo.ReleaseNotification(ctx, p.ID))
	ok, err = repo.ClaimNotification(ctx, p.ID, testNow.Add(time.Minute), lease)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.MarkNotified(ctx, p.ID, testNow.Add(time.Minute)))
	ok, err = repo.ClaimNotification(ctx, p.ID, testNow.Add(time.Hour), lease)
	require.NoError(t, err)
	assert.False(t, ok, "delivered notices are never claimed again")
	got := testutil.ReloadPayment(t, db, p.ID)
	assert.NotNil(t, got.NotifiedAt)
	assert.Nil(t, got.NotifyClaimedAt)
}

func TestCountCompletedSince(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	other := testutil.CreateTariff(t, db, month, 500)

	testutil.CreatePayment(t, db, "old", user, tariff, testutil.PaymentOpts{Status: models.PaymentCompleted, CreatedAt: testNow.Add(-time.Hour)})
	testutil.CreatePayment(t, db, "new", user, tariff, testutil.PaymentOpts{Status: models.PaymentCompleted, CreatedAt: testNow.Add(time.Minute)})
	testutil.CreatePayment(t, db, "paid", user, tariff, testutil.PaymentOpts{CreatedAt: testNow.Add(2 * time.Minute)})
	testutil.CreatePayment(t, db, "otherTariff", user, other, testutil.PaymentOpts{Status: models.PaymentCompleted, CreatedAt: testNow.Add(time.Minute)})

	n, err := repo.CountCompletedSince(ctx, user.ID, tariff.ID, testNow, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.CountCompletedSince(ctx, user.ID, tariff.ID, testNow, "new")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListCompletedUnlinked(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)

	testutil.CreatePayment(t, db, "unlinked", user, tariff, testutil.PaymentOpts{Status: models.PaymentCompleted})
	testutil.CreatePayment(t, db, "balance", user, tariff, testutil.PaymentOpts{Status: models.PaymentCompleted, KeyType: "balance_topup"})
	testutil.CreatePayment(t, db, "paid", user, tariff, testutil.PaymentOpts{})
	linked := testutil.CreatePayment(t, db, "linked", user, tariff, testutil.PaymentOpts{Status: models.PaymentCompleted})
	require.NoError(t, db.Model(linked).Update("subscription_id", 3).Error)

	got, err := repo.ListCompletedUnlinked(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "unlinked", got[0].ID)
}

func TestListCompletedUnlinkedServesLeastRecentlyCheckedFirst(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)

	for i, id := range []string{"a", "b", "c"} {
		testutil.CreatePayment(t, db, id, user, tariff, testutil.PaymentOpts{
			Status:    models.PaymentCompleted,
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := repo.ListCompletedUnlinked(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, []string{got[0].ID, got[1].ID})

	require.NoError(t, repo.MarkChecked(ctx, "a", testNow.Add(time.Hour)))
	require.NoError(t, repo.MarkChecked(ctx, "b", testNow))

	got, err = repo.ListCompletedUnlinked(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"c", "b"}, []string{got[0].ID, got[1].ID})
}

func TestListStalePaidSkipsPaymentsOutsideTheFlow(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewPaymentRepository(db)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, month, 100)
	old := testNow.Add(-time.Hour)

	testutil.CreatePayment(t, db, "stale", user, tariff, testutil.PaymentOpts{CreatedAt: old})
	testutil.CreatePayment(t, db, "single-key", user, tariff, testutil.PaymentOpts{CreatedAt: old, KeyType: "single_key"})
	testutil.CreatePayment(t, db, "outline", user, tariff, testutil.PaymentOpts{CreatedAt: old, Protocol: "outline"})
	testutil.CreatePayment(t, db, "fresh", user, tariff, testutil.PaymentOpts{CreatedAt: testNow})

	got, err := repo.ListStalePaid(ctx, "v2ray", testNow.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].ID)

	// Checking a row does not make it look fresh.
	require.NoError(t, repo.MarkChecked(ctx, "stale", testNow))
	got, err = repo.ListStalePaid(ctx, "v2ray", testNow.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].CheckedAt)
}
