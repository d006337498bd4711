package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultAPIURL = "https://api.yookassa.ru/v3"

// Client reads payment state from the YooKassa API. Payments are created
// elsewhere; this side only confirms what a webhook claims.
type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
}

func NewClient(shopID, secretKey string) *Client {
	return &Client{
		ShopID:     shopID,
		SecretKey:  secretKey,
		APIURL:     defaultAPIURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is the error body YooKassa returns with 4xx and 5xx replies.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("yookassa: status %d", e.StatusCode)
	}
	return fmt.Sprintf("yookassa: status %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

func (c *Client) GetPayment(ctx context.Context, id string) (*PaymentResponse, error) {
	endpoint := c.APIURL + "/payments/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read payment %s: %w", id, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}

	var p PaymentResponse
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &p, nil
}
