package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vpnshop/internal/billing"
	"vpnshop/internal/models"
	"vpnshop/internal/payment"
	"vpnshop/internal/repository"
	"vpnshop/internal/testutil"
	"vpnshop/internal/utils"
)

type confirmingGateway struct{}

func (confirmingGateway) GetPayment(_ context.Context, id string) (*payment.PaymentResponse, error) {
	return &payment.PaymentResponse{
		ID:     id,
		Status: payment.StatusSucceeded,
		Paid:   true,
		Amount: payment.Amount{Value: "199.00", Currency: "RUB"},
	}, nil
}

type countingReconciler struct{ calls []string }

func (c *countingReconciler) Reconcile(_ context.Context, id string) (billing.Result, error) {
	c.calls = append(c.calls, id)
	return billing.Result{OK: true, Reason: billing.ReasonCreated}, nil
}

const webhookBody = `{"type":"notification","event":"payment.succeeded","object":{"id":"P1","status":"succeeded","paid":true}}`

func newTestRouter(t *testing.T, ping func(context.Context) error) (http.Handler, *countingReconciler) {
	t.Helper()
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, 30*24*time.Hour, 0)
	testutil.CreatePayment(t, db, "P1", user, tariff, testutil.PaymentOpts{Status: models.PaymentPending})

	allowed, err := utils.NewIPAllowlist([]string{"185.71.76.0/27"})
	require.NoError(t, err)
	trusted, err := utils.NewIPAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	rec := &countingReconciler{}
	webhooks := payment.NewHandler(confirmingGateway{}, repository.NewPaymentRepository(db), rec, allowed, zaptest.NewLogger(t))
	return newRouter(webhooks, trusted, ping), rec
}

func postWebhook(h http.Handler, remote string, header map[string]string) int {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(webhookBody))
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRouterIgnoresSpoofedForwardingHeaders(t *testing.T) {
	h, rec := newTestRouter(t, func(context.Context) error { return nil })

	assert.Equal(t, http.StatusForbidden, postWebhook(h, "203.0.113.9:5000", map[string]string{"X-Real-IP": "185.71.76.10"}))
	assert.Equal(t, http.StatusForbidden, postWebhook(h, "203.0.113.9:5000", map[string]string{"X-Forwarded-For": "185.71.76.10"}))
	assert.Empty(t, rec.calls)
}

func TestRouterTrustsForwardingFromProxies(t *testing.T) {
	h, rec := newTestRouter(t, func(context.Context) error { return nil })

	// A trusted proxy cannot launder a client-supplied hop.
	assert.Equal(t, http.StatusForbidden, postWebhook(h, "10.0.0.2:5000", map[string]string{"X-Forwarded-For": "185.71.76.10, 203.0.113.9"}))
	assert.Empty(t, rec.calls)

	assert.Equal(t, http.StatusOK, postWebhook(h, "10.0.0.2:5000", map[string]string{"X-Forwarded-For": "185.71.76.10"}))
	assert.Equal(t, []string{"P1"}, rec.calls)
}

func TestRouterHealthz(t *testing.T) {
	healthy := true
	h, _ := newTestRouter(t, func(context.Context) error {
		if !healthy {
			return errors.New("connection refused")
		}
		return nil
	})

	get := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get())
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get())
}
