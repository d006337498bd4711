package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vpnshop/internal/billing"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
	"vpnshop/internal/utils"
)

type Gateway interface {
	GetPayment(ctx context.Context, id string) (*PaymentResponse, error)
}

type PaymentStore interface {
	Get(ctx context.Context, id string) (*models.Payment, error)
	MarkPaid(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, paymentID string) (billing.Result, error)
}

type Handler struct {
	gateway    Gateway
	payments   PaymentStore
	reconciler Reconciler
	allowed    *utils.IPAllowlist
	log        *zap.Logger
}

func NewHandler(gateway Gateway, payments PaymentStore, reconciler Reconciler, allowed *utils.IPAllowlist, log *zap.Logger) *Handler {
	return &Handler{
		gateway:    gateway,
		payments:   payments,
		reconciler: reconciler,
		allowed:    allowed,
		log:        log.Named("payment.webhook"),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/yookassa", h.HandleWebhook)
	return r
}

// HandleWebhook answers 200 for everything that must not be redelivered and
// 500 when YooKassa should retry the notification.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ip := utils.ClientIP(r)
	if !h.allowed.Contains(ip) {
		h.log.Warn("webhook from disallowed address", zap.String("ip", ip))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.log.Warn("failed to decode webhook", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if notification.Object.ID == "" {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var err error
	switch notification.Event {
	case EventSucceeded:
		err = h.processSuccess(r.Context(), notification.Object.ID)
	case EventCanceled:
		err = h.processCancel(r.Context(), notification.Object.ID)
	default:
		h.log.Debug("ignored event", zap.String("event", notification.Event))
	}
	if err != nil {
		h.log.Error("webhook processing failed",
			zap.String("event", notification.Event),
			zap.String("payment_id", notification.Object.ID),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// processSuccess trusts the gateway API, not the webhook body.
func (h *Handler) processSuccess(ctx context.Context, id string) error {
	log := h.log.With(zap.String("payment_id", id))

	remote, err := h.gateway.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if remote.Status != StatusSucceeded || !remote.Paid {
		log.Warn("webhook claims success the gateway does not confirm", zap.String("status", remote.Status))
		return nil
	}

	local, err := h.payments.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("webhook for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}

	paid, err := remote.Amount.Decimal()
	if err != nil || !paid.Equal(local.Amount) {
		log.Error("gateway amount differs from the recorded payment",
			zap.String("gateway_amount", remote.Amount.Value),
			zap.String("recorded_amount", local.Amount.StringFixed(2)))
		return nil
	}

	if _, err := h.payments.MarkPaid(ctx, id); err != nil {
		return err
	}

	res, err := h.reconciler.Reconcile(ctx, id)
	if err != nil {
		return err
	}
	if !res.OK {
		log.Warn("payment not applied", zap.String("reason", res.Reason))
	}
	return nil
}

func (h *Handler) processCancel(ctx context.Context, id string) error {
	remote, err := h.gateway.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if remote.Status != StatusCanceled {
		return nil
	}

	failed, err := h.payments.MarkFailed(ctx, id)
	if err != nil {
		return err
	}
	if failed {
		h.log.Info("payment canceled", zap.String("payment_id", id))
	}
	return nil
}
