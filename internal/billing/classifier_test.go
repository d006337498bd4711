package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnshop/internal/models"
	"vpnshop/internal/repository"
	"vpnshop/internal/testutil"
)

func TestClassify(t *testing.T) {
	ctx := context.Background()

	type setup struct {
		createdAgo  time.Duration
		expiryShift time.Duration
		otherPaid   bool
		noSub       bool
	}
	cases := []struct {
		name string
		in   setup
		want DecisionKind
	}{
		{name: "no subscription", in: setup{noSub: true}, want: NewPurchase},
		{name: "reprocessed purchase", in: setup{createdAgo: 5 * time.Minute}, want: DuplicatePurchase},
		{name: "old subscription", in: setup{createdAgo: 2 * time.Hour}, want: Renewal},
		{name: "expiry already moved", in: setup{createdAgo: 5 * time.Minute, expiryShift: 24 * time.Hour}, want: Renewal},
		{name: "expiry within tolerance", in: setup{createdAgo: 5 * time.Minute, expiryShift: 2 * time.Minute}, want: DuplicatePurchase},
		{name: "another completed payment", in: setup{createdAgo: 5 * time.Minute, otherPaid: true}, want: Renewal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			c := NewClassifier(repository.NewSubscriptionRepository(db), repository.NewPaymentRepository(db),
				repository.NewTariffRepository(db), testBillingConfig())
			user := testutil.CreateUser(t, db, false)
			tariff := testutil.CreateTariff(t, db, month, 1000)

			var sub *models.Subscription
			if !tc.in.noSub {
				created := start.Add(-tc.in.createdAgo)
				sub = &models.Subscription{
					UserID: user.ID, Token: "tok", TariffID: tariff.ID, IsActive: true,
					CreatedAt: created,
					ExpiresAt: created.Add(month + tc.in.expiryShift).Unix(),
				}
				require.NoError(t, db.Create(sub).Error)
			}
			if tc.in.otherPaid {
				testutil.CreatePayment(t, db, "other", user, tariff, testutil.PaymentOpts{
					Status: models.PaymentCompleted, CreatedAt: start.Add(-time.Minute),
				})
			}
			p := testutil.CreatePayment(t, db, "current", user, tariff, testutil.PaymentOpts{CreatedAt: start})

			d, err := c.Classify(ctx, p, tariff, start)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Kind, d.Kind.String())
			assert.Equal(t, tc.want == NewPurchase, d.IsNewPurchase())
			if sub != nil {
				require.NotNil(t, d.Subscription)
				assert.Equal(t, sub.ID, d.Subscription.ID)
			}
		})
	}
}
