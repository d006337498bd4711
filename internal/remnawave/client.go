// Package remnawave provisions v2ray credentials as users of a Remnawave panel.
package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vpnshop/internal/vpn"
)

// farFuture is the panel-side expiry of every user. Expiry is enforced locally
// by deleting credentials, so the panel never expires one on its own.
var farFuture = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

type Client struct {
	BaseURL    string
	APIKey     string
	SquadID    string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, squadID string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		SquadID: squadID,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// APIError is a non-2xx panel reply.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s (status: %d)", e.Body, e.StatusCode)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// CreateCredential registers a panel user named after the owner label and
// returns its UUID with the subscription URL.
func (c *Client) CreateCredential(ctx context.Context, ownerLabel string) (vpn.Credential, error) {
	reqBody := CreateUserRequest{
		Username:             ownerLabel,
		Status:               "ACTIVE",
		TrafficLimitStrategy: "NO_RESET",
		ExpireAt:             farFuture.Format(time.RFC3339),
	}
	if c.SquadID != "" {
		reqBody.ActiveInternalSquads = []string{c.SquadID}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/users", reqBody)
	if err != nil {
		return vpn.Credential{}, err
	}

	var out APIResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return vpn.Credential{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.Response.UUID == "" {
		return vpn.Credential{}, errors.New("panel returned user without uuid")
	}

	return vpn.Credential{Handle: out.Response.UUID, AccessURL: out.Response.SubscriptionURL}, nil
}

// DeleteCredential removes the panel user. A user that is already gone is not an error.
func (c *Client) DeleteCredential(ctx context.Context, handle string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(handle), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) CredentialUsage(ctx context.Context, handle string) (int64, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/users/"+url.PathEscape(handle), nil)
	if err != nil {
		return 0, err
	}

	var out APIResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return out.Response.UsedTrafficBytes, nil
}
