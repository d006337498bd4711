package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vpnshop/internal/billing"
	"vpnshop/internal/models"
	"vpnshop/internal/repository"
	"vpnshop/internal/testutil"
	"vpnshop/internal/utils"
)

type stubGateway map[string]*PaymentResponse

func (g stubGateway) GetPayment(_ context.Context, id string) (*PaymentResponse, error) {
	if p, ok := g[id]; ok {
		return p, nil
	}
	return nil, errors.New("api error: not found (status: 404)")
}

type stubReconciler struct {
	calls []string
	err   error
}

func (s *stubReconciler) Reconcile(_ context.Context, id string) (billing.Result, error) {
	s.calls = append(s.calls, id)
	if s.err != nil {
		return billing.Result{}, s.err
	}
	return billing.Result{OK: true, Reason: billing.ReasonCreated}, nil
}

type webhookEnv struct {
	handler    http.Handler
	gateway    stubGateway
	reconciler *stubReconciler
	payment    *models.Payment
	db         func(id string) *models.Payment
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, false)
	tariff := testutil.CreateTariff(t, db, 30*24*time.Hour, 1000)
	p := testutil.CreatePayment(t, db, "2c5d-1", user, tariff, testutil.PaymentOpts{Status: models.PaymentPending})

	allowed, err := utils.NewIPAllowlist([]string{"185.71.76.0/27"})
	require.NoError(t, err)

	env := &webhookEnv{
		gateway:    stubGateway{},
		reconciler: &stubReconciler{},
		payment:    p,
		db:         func(id string) *models.Payment { return testutil.ReloadPayment(t, db, id) },
	}
	h := NewHandler(env.gateway, repository.NewPaymentRepository(db), env.reconciler, allowed, zaptest.NewLogger(t))
	env.handler = h.Routes()
	return env
}

func (e *webhookEnv) post(body, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/yookassa", strings.NewReader(body))
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

const succeeded = `{"type":"notification","event":"payment.succeeded","object":{"id":"2c5d-1","status":"succeeded","paid":true,"amount":{"value":"199.00","currency":"RUB"}}}`

func TestWebhookSucceeded(t *testing.T) {
	env := newWebhookEnv(t)
	env.gateway["2c5d-1"] = &PaymentResponse{ID: "2c5d-1", Status: StatusSucceeded, Paid: true, Amount: Amount{Value: "199.00", Currency: "RUB"}}

	rec := env.post(succeeded, "185.71.76.10:4431")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2c5d-1"}, env.reconciler.calls)
	assert.Equal(t, models.PaymentPaid, env.db("2c5d-1").Status)
}

func TestWebhookRejectsForeignAddress(t *testing.T) {
	env := newWebhookEnv(t)
	rec := env.post(succeeded, "10.1.1.1:4431")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.reconciler.calls)
}

func TestWebhookBadBody(t *testing.T) {
	env := newWebhookEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.post("{", "185.71.76.10:1").Code)
	assert.Equal(t, http.StatusBadRequest, env.post(`{"event":"payment.succeeded","object":{}}`, "185.71.76.10:1").Code)
}

func TestWebhookUnconfirmedSuccessIsIgnored(t *testing.T) {
	env := newWebhookEnv(t)
	env.gateway["2c5d-1"] = &PaymentResponse{ID: "2c5d-1", Status: StatusPending}

	rec := env.post(succeeded, "185.71.76.10:1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.reconciler.calls)
	assert.Equal(t, models.PaymentPending, env.db("2c5d-1").Status)
}

func TestWebhookAmountMismatch(t *testing.T) {
	env := newWebhookEnv(t)
	env.gateway["2c5d-1"] = &PaymentResponse{ID: "2c5d-1", Status: StatusSucceeded, Paid: true, Amount: Amount{Value: "1.00"}}

	rec := env.post(succeeded, "185.71.76.10:1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.reconciler.calls)
	assert.Equal(t, models.PaymentPending, env.db("2c5d-1").Status)
	assert.True(t, env.payment.Amount.Equal(decimal.NewFromInt(199)))
}

func TestWebhookRetryableFailure(t *testing.T) {
	env := newWebhookEnv(t)
	env.gateway["2c5d-1"] = &PaymentResponse{ID: "2c5d-1", Status: StatusSucceeded, Paid: true, Amount: Amount{Value: "199.00"}}
	env.reconciler.err = &billing.NotificationError{PaymentID: "2c5d-1"}

	rec := env.post(succeeded, "185.71.76.10:1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookGatewayDown(t *testing.T) {
	env := newWebhookEnv(t)
	rec := env.post(succeeded, "185.71.76.10:1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookCanceled(t *testing.T) {
	env := newWebhookEnv(t)
	env.gateway["2c5d-1"] = &PaymentResponse{ID: "2c5d-1", Status: StatusCanceled}

	body := `{"event":"payment.canceled","object":{"id":"2c5d-1","status":"canceled"}}`
	rec := env.post(body, "185.71.76.10:1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentFailed, env.db("2c5d-1").Status)
	assert.Empty(t, env.reconciler.calls)
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/2c5d-1", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"id":"2c5d-1","status":"succeeded","paid":true,"amount":{"value":"199.00","currency":"RUB"},"metadata":{"key_type":"subscription"}}`))
	}))
	defer srv.Close()

	c := NewClient("shop", "secret")
	c.APIURL = srv.URL
	p, err := c.GetPayment(context.Background(), "2c5d-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.True(t, p.Paid)
	assert.Equal(t, "199.00", p.Amount.Value)
	assert.Equal(t, "subscription", p.Metadata["key_type"])
}

func TestGetPaymentAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"type":"error","code":"not_found","description":"Payment doesn't exist"}`))
	}))
	defer srv.Close()

	c := NewClient("shop", "secret")
	c.APIURL = srv.URL
	_, err := c.GetPayment(context.Background(), "missing")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestAmountDecimal(t *testing.T) {
	d, err := Amount{Value: "199.00", Currency: "RUB"}.Decimal()
	require.NoError(t, err)
	assert.Equal(t, "199", d.String())

	_, err = Amount{Value: "abc"}.Decimal()
	assert.Error(t, err)
}
