// Package billing turns confirmed payments into subscription changes.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"vpnshop/internal/clock"
	"vpnshop/internal/config"
	"vpnshop/internal/metrics"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
	"vpnshop/internal/vpn"
)

// Rejection and success reasons reported in Result.
const (
	ReasonPaymentNotFound   = "payment_not_found"
	ReasonNotSubscription   = "not_subscription_payment"
	ReasonProtocolMismatch  = "protocol_mismatch"
	ReasonPaymentNotPaid    = "payment_not_paid"
	ReasonTariffNotFound    = "tariff_not_found"
	ReasonUserNotFound      = "user_not_found"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonCreated           = "created"
	ReasonRenewed           = "renewed"
	ReasonDuplicatePurchase = "duplicate_purchase"
	ReasonAlreadyCompleted  = "already_completed"
	ReasonResumed           = "resumed"
)

// errNoLongerPaid means the payment left the paid state mid-flight.
var errNoLongerPaid = errors.New("payment is no longer paid")

// classifyAttempts bounds re-classification after a lost creation race.
const classifyAttempts = 3

type Result struct {
	OK             bool
	Reason         string
	SubscriptionID uint
	ExpiresAt      time.Time
}

type SubscriptionStore interface {
	GetByID(ctx context.Context, id uint) (*models.Subscription, error)
	CreateIfAbsent(ctx context.Context, in repository.NewSubscription) (*models.Subscription, bool, error)
	ExtendForPayment(ctx context.Context, id uint, ext repository.Extension) (*models.Subscription, error)
}

type PaymentStore interface {
	Get(ctx context.Context, id string) (*models.Payment, error)
	LinkSubscription(ctx context.Context, id string, subscriptionID uint, outcome models.PaymentOutcome) (bool, error)
	ClaimNotification(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	ReleaseNotification(ctx context.Context, id string) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	CompleteIfPaid(ctx context.Context, id string) (bool, error)
}

type TariffStore interface {
	GetByID(ctx context.Context, id uint) (*models.Tariff, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

type KeyProvisioner interface {
	Ensure(ctx context.Context, sub *models.Subscription, kind vpn.Kind) (vpn.Report, error)
}

// Notifier delivers a message to a user. It reports false on delivery failure.
type Notifier interface {
	Send(ctx context.Context, userID uint, text string) bool
}

type PaymentClassifier interface {
	Classify(ctx context.Context, p *models.Payment, t *models.Tariff, now time.Time) (Decision, error)
}

type Reconciler struct {
	subs       SubscriptionStore
	payments   PaymentStore
	tariffs    TariffStore
	users      UserStore
	classifier PaymentClassifier
	keys       KeyProvisioner
	notifier   Notifier
	clock      clock.Clock
	cfg        config.BillingConfig
	log        *zap.Logger
}

type Deps struct {
	Subscriptions SubscriptionStore
	Payments      PaymentStore
	Tariffs       TariffStore
	Users         UserStore
	Classifier    PaymentClassifier
	Keys          KeyProvisioner
	Notifier      Notifier
	Clock         clock.Clock
}

func NewReconciler(d Deps, cfg config.BillingConfig, log *zap.Logger) *Reconciler {
	if d.Clock == nil {
		d.Clock = clock.SystemClock{}
	}
	return &Reconciler{
		subs:       d.Subscriptions,
		payments:   d.Payments,
		tariffs:    d.Tariffs,
		users:      d.Users,
		classifier: d.Classifier,
		keys:       d.Keys,
		notifier:   d.Notifier,
		clock:      d.Clock,
		cfg:        cfg,
		log:        log.Named("billing.reconciler"),
	}
}

// pass carries everything one Reconcile call has loaded.
type pass struct {
	now     time.Time
	payment *models.Payment
	tariff  *models.Tariff
	user    *models.User
	kind    vpn.Kind
	log     *zap.Logger
}

// Reconcile applies a paid payment to the user's subscription exactly once.
// Ineligible payments are reported as a rejected Result with a nil error. A non-nil
// error leaves the payment paid so the call can be repeated.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID string) (Result, error) {
	res, err := r.reconcile(ctx, paymentID)
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(strconv.FormatBool(IsRetryable(err))).Inc()
		r.log.Error("reconciliation failed",
			zap.String("payment_id", paymentID),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
		return res, err
	}
	metrics.ReconcileTotal.WithLabelValues(strconv.FormatBool(res.OK), res.Reason).Inc()
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, paymentID string) (Result, error) {
	ps := &pass{
		now: r.clock.Now(),
		log: r.log.With(zap.String("payment_id", paymentID)),
	}

	p, err := r.payments.Get(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return ps.reject(ReasonPaymentNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	ps.payment = p
	ps.log = ps.log.With(zap.Uint("user_id", p.UserID))

	if !p.IsSubscriptionPayment() {
		return ps.reject(ReasonNotSubscription), nil
	}
	if p.Protocol != r.cfg.Protocol {
		return ps.reject(ReasonProtocolMismatch), nil
	}
	if p.Status == models.PaymentCompleted {
		return Result{OK: true, Reason: ReasonAlreadyCompleted, SubscriptionID: deref(p.SubscriptionID)}, nil
	}
	if p.Status != models.PaymentPaid {
		return ps.reject(ReasonPaymentNotPaid), nil
	}
	kind, err := vpn.ParseKind(p.Protocol)
	if err != nil {
		return ps.reject(ReasonProtocolMismatch), nil
	}
	ps.kind = kind

	if ps.tariff, err = r.tariffs.GetByID(ctx, p.TariffID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ps.reject(ReasonTariffNotFound), nil
		}
		return Result{}, err
	}
	if ps.user, err = r.users.GetByID(ctx, p.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ps.reject(ReasonUserNotFound), nil
		}
		return Result{}, err
	}
	if !ps.tariff.IsFree && p.Amount.LessThan(ps.tariff.PriceRub) {
		ps.log.Warn("payment amount below tariff price",
			zap.String("amount", p.Amount.StringFixed(2)),
			zap.String("price", ps.tariff.PriceRub.StringFixed(2)))
		return ps.reject(ReasonAmountMismatch), nil
	}

	var (
		sub    *models.Subscription
		reason string
	)
	if p.SubscriptionID != nil {
		sub, reason, err = r.resume(ctx, ps)
	} else {
		sub, reason, err = r.apply(ctx, ps)
	}
	if errors.Is(err, errNoLongerPaid) {
		return ps.reject(ReasonPaymentNotPaid), nil
	}
	if err != nil {
		return Result{}, err
	}
	if sub == nil {
		// Another worker finished the payment while this one was working.
		return Result{OK: true, Reason: ReasonAlreadyCompleted}, nil
	}
	ps.log = ps.log.With(zap.Uint("subscription_id", sub.ID))

	done, err := r.completed(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}
	if done {
		return Result{OK: true, Reason: ReasonAlreadyCompleted, SubscriptionID: sub.ID, ExpiresAt: sub.ExpiresAtTime()}, nil
	}

	outcome := paymentOutcome(ps, reason)
	r.link(ctx, ps, sub, outcome)

	if err := r.notify(ctx, ps, sub, outcome); err != nil {
		return Result{}, err
	}

	completed, err := r.payments.CompleteIfPaid(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}
	if !completed {
		current, err := r.payments.Get(ctx, p.ID)
		if err != nil {
			return Result{}, err
		}
		if current.Status != models.PaymentCompleted {
			return ps.reject(ReasonPaymentNotPaid), nil
		}
		reason = ReasonAlreadyCompleted
	}

	ps.log.Info("payment reconciled",
		zap.String("reason", reason),
		zap.Time("expires_at", sub.ExpiresAtTime()))
	return Result{OK: true, Reason: reason, SubscriptionID: sub.ID, ExpiresAt: sub.ExpiresAtTime()}, nil
}

// apply performs the subscription mutation for an unlinked payment. A nil
// subscription means the payment was completed concurrently.
func (r *Reconciler) apply(ctx context.Context, ps *pass) (*models.Subscription, string, error) {
	p := ps.payment
	for attempt := 0; attempt < classifyAttempts; attempt++ {
		decision, err := r.classifier.Classify(ctx, p, ps.tariff, ps.now)
		if err != nil {
			return nil, "", err
		}
		ps.log.Debug("payment classified", zap.Stringer("decision", decision.Kind))

		switch decision.Kind {
		case NewPurchase:
			sub, created, err := r.subs.CreateIfAbsent(ctx, repository.NewSubscription{
				UserID:      p.UserID,
				PaymentID:   p.ID,
				Tariff:      ps.tariff,
				Now:         ps.now,
				ActiveAfter: ps.now.Add(-r.cfg.GracePeriod),
				VIP:         ps.user.IsVIP,
			})
			if errors.Is(err, repository.ErrPaymentLinked) {
				return r.reload(ctx, ps)
			}
			if err != nil {
				return nil, "", err
			}
			if !created {
				ps.log.Info("subscription created concurrently, classifying again", zap.Uint("subscription_id", sub.ID))
				current, err := r.payments.Get(ctx, p.ID)
				if err != nil {
					return nil, "", err
				}
				if current.Status == models.PaymentCompleted || current.SubscriptionID != nil {
					return r.reload(ctx, ps)
				}
				continue
			}
			if err := r.provision(ctx, ps, sub); err != nil {
				return nil, "", err
			}
			return sub, ReasonCreated, nil

		case DuplicatePurchase:
			sub := decision.Subscription
			current, err := r.payments.Get(ctx, p.ID)
			if err != nil {
				return nil, "", err
			}
			// The subscription may have been created for this very payment.
			if current.Status == models.PaymentCompleted || current.SubscriptionID != nil {
				return r.reload(ctx, ps)
			}
			ps.log.Info("payment matches a just-created subscription, not extending", zap.Uint("subscription_id", sub.ID))
			if err := r.provision(ctx, ps, sub); err != nil {
				return nil, "", err
			}
			return sub, ReasonDuplicatePurchase, nil

		case Renewal:
			sub, err := r.subs.ExtendForPayment(ctx, decision.Subscription.ID, repository.Extension{
				PaymentID: p.ID,
				Tariff:    ps.tariff,
				MaxExpiry: ps.now.Add(r.cfg.MaxTerm),
				VIP:       ps.user.IsVIP,
			})
			if errors.Is(err, repository.ErrPaymentLinked) {
				return r.reload(ctx, ps)
			}
			if err != nil {
				return nil, "", err
			}
			r.repairKeys(ctx, ps, sub)
			return sub, ReasonRenewed, nil
		}
	}
	return nil, "", fmt.Errorf("payment %s: subscription kept changing during classification", p.ID)
}

// reload picks up a payment that another worker linked in the meantime.
func (r *Reconciler) reload(ctx context.Context, ps *pass) (*models.Subscription, string, error) {
	p, err := r.payments.Get(ctx, ps.payment.ID)
	if err != nil {
		return nil, "", err
	}
	ps.payment = p
	if p.Status == models.PaymentCompleted {
		return nil, "", nil
	}
	if p.SubscriptionID == nil {
		return nil, "", errNoLongerPaid
	}
	return r.resume(ctx, ps)
}

// resume continues a payment whose subscription mutation is already committed.
// Only keys, notification and completion can still be outstanding.
func (r *Reconciler) resume(ctx context.Context, ps *pass) (*models.Subscription, string, error) {
	sub, err := r.subs.GetByID(ctx, *ps.payment.SubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if ps.payment.Outcome == "" {
		// Linked before outcomes were recorded.
		ps.payment.Outcome = models.OutcomeRenewed
		if !sub.CreatedAt.Before(ps.payment.CreatedAt) {
			ps.payment.Outcome = models.OutcomeCreated
		}
	}
	switch ps.payment.Outcome {
	case models.OutcomeCreated, models.OutcomeDuplicate:
		// A purchase must still reach its key threshold.
		if err := r.provision(ctx, ps, sub); err != nil {
			return nil, "", err
		}
	default:
		r.repairKeys(ctx, ps, sub)
	}
	ps.log.Info("resuming linked payment",
		zap.Uint("subscription_id", sub.ID),
		zap.String("outcome", string(ps.payment.Outcome)))
	return sub, ReasonResumed, nil
}

// provision makes sure a purchased subscription has keys on the active
// servers. Falling short of the configured share is a retryable error.
func (r *Reconciler) provision(ctx context.Context, ps *pass, sub *models.Subscription) error {
	report, err := r.keys.Ensure(ctx, sub, ps.kind)
	if err != nil {
		return &ProvisioningError{SubscriptionID: sub.ID, Err: err}
	}
	if required := vpn.RequiredKeys(report.Servers, r.cfg.MinKeyRatio); report.Keys() < required {
		return &ProvisioningError{SubscriptionID: sub.ID, Keys: report.Keys(), Required: required}
	}
	return nil
}

// repairKeys fills key gaps of a renewed subscription. Gaps are only logged.
func (r *Reconciler) repairKeys(ctx context.Context, ps *pass, sub *models.Subscription) {
	report, err := r.keys.Ensure(ctx, sub, ps.kind)
	if err != nil {
		ps.log.Warn("key repair failed", zap.Uint("subscription_id", sub.ID), zap.Error(err))
		return
	}
	if report.Keys() < vpn.RequiredKeys(report.Servers, r.cfg.MinKeyRatio) {
		ps.log.Warn("subscription is missing keys",
			zap.Uint("subscription_id", sub.ID),
			zap.Int("keys", report.Keys()),
			zap.Int("servers", report.Servers))
	}
}

// paymentOutcome is the outcome stored with the payment link for this pass.
// Resumed payments keep the outcome recorded by the pass that linked them.
func paymentOutcome(ps *pass, reason string) models.PaymentOutcome {
	switch reason {
	case ReasonCreated:
		return models.OutcomeCreated
	case ReasonRenewed:
		return models.OutcomeRenewed
	case ReasonDuplicatePurchase:
		return models.OutcomeDuplicate
	}
	return ps.payment.Outcome
}

// link records the subscription on the payment. Persistent failure is left for
// the repair job.
func (r *Reconciler) link(ctx context.Context, ps *pass, sub *models.Subscription, outcome models.PaymentOutcome) {
	if ps.payment.SubscriptionID != nil {
		return
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	retries := uint64(max(r.cfg.LinkRetries, 1) - 1)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		linked, err := r.payments.LinkSubscription(ctx, ps.payment.ID, sub.ID, outcome)
		if err != nil {
			if !repository.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !linked {
			ps.log.Debug("payment already linked")
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if err != nil {
		ps.log.Error("payment link failed, requires repair",
			zap.Uint("subscription_id", sub.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
}

// notify sends the user notice at most once per payment.
func (r *Reconciler) notify(ctx context.Context, ps *pass, sub *models.Subscription, outcome models.PaymentOutcome) error {
	if ps.payment.NotifiedAt != nil {
		return nil
	}
	// Provisioning may have run long past ps.now. The lease starts now.
	lease := 2 * r.cfg.NotifyTimeout
	claimed, err := r.payments.ClaimNotification(ctx, ps.payment.ID, r.clock.Now(), lease)
	if err != nil {
		return err
	}
	if !claimed {
		current, err := r.payments.Get(ctx, ps.payment.ID)
		if err != nil {
			return err
		}
		if current.NotifiedAt != nil {
			return nil
		}
		return &NotificationError{PaymentID: ps.payment.ID, InFlight: true}
	}

	text := message(ps, sub, outcome)
	sctx, cancel := context.WithTimeout(ctx, r.cfg.NotifyTimeout)
	delivered := r.notifier.Send(sctx, ps.payment.UserID, text)
	cancel()

	if !delivered {
		if err := r.payments.ReleaseNotification(ctx, ps.payment.ID); err != nil {
			ps.log.Warn("release notification claim failed", zap.Error(err))
		}
		return &NotificationError{PaymentID: ps.payment.ID}
	}
	return r.payments.MarkNotified(ctx, ps.payment.ID, r.clock.Now())
}

func message(ps *pass, sub *models.Subscription, outcome models.PaymentOutcome) string {
	switch outcome {
	case models.OutcomeCreated:
		return purchaseMessage(sub, ps.tariff)
	case models.OutcomeDuplicate:
		return duplicateMessage(sub)
	}
	return renewalMessage(sub, ps.tariff)
}

func (r *Reconciler) completed(ctx context.Context, paymentID string) (bool, error) {
	p, err := r.payments.Get(ctx, paymentID)
	if err != nil {
		return false, err
	}
	return p.Status == models.PaymentCompleted, nil
}

func (ps *pass) reject(reason string) Result {
	ps.log.Warn("payment rejected", zap.String("reason", reason))
	return Result{OK: false, Reason: reason}
}

func deref(id *uint) uint {
	if id == nil {
		return 0
	}
	return *id
}
