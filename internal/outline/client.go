// Package outline provisions Shadowsocks access keys through an Outline
// server's management API.
package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
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

type Client struct {
	// APIURL is the management URL including its secret path prefix.
	APIURL     string
	HTTPClient *http.Client
}

// NewClient builds a client for one server. Outline servers use self-signed
// certificates, so when certSHA256 is set the leaf certificate is pinned to it
// instead of being verified against the system roots.
func NewClient(apiURL, certSHA256 string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if certSHA256 != "" {
		transport.TLSClientConfig = pinnedTLS(certSHA256)
	}
	return &Client{
		APIURL: strings.TrimRight(apiURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

func pinnedTLS(fingerprint string) *tls.Config {
	want := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("outline: no server certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != want {
				return errors.New("outline: certificate fingerprint mismatch")
			}
			return nil
		},
	}
}

// StatusError is a non-2xx management API reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("outline api error: %s (status: %d)", e.Body, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

type accessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
}

// CreateCredential creates an access key and names it after the owner label.
func (c *Client) CreateCredential(ctx context.Context, ownerLabel string) (vpn.Credential, error) {
	var key accessKey
	if err := c.do(ctx, http.MethodPost, "/access-keys", nil, &key); err != nil {
		return vpn.Credential{}, err
	}
	if key.ID == "" {
		return vpn.Credential{}, errors.New("outline returned access key without id")
	}

	// The key is usable without a name; a failed rename only affects the admin view.
	_ = c.do(ctx, http.MethodPut, "/access-keys/"+url.PathEscape(key.ID)+"/name",
		map[string]string{"name": ownerLabel}, nil)

	return vpn.Credential{Handle: key.ID, AccessURL: key.AccessURL}, nil
}

// DeleteCredential removes the access key. A missing key is not an error.
func (c *Client) DeleteCredential(ctx context.Context, handle string) error {
	err := c.do(ctx, http.MethodDelete, "/access-keys/"+url.PathEscape(handle), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

type transferMetrics struct {
	BytesTransferredByUserID map[string]int64 `json:"bytesTransferredByUserId"`
}

// CredentialUsage reads the key's transferred bytes from the server-wide metrics.
// A key the server has no data for has used nothing yet.
func (c *Client) CredentialUsage(ctx context.Context, handle string) (int64, error) {
	var m transferMetrics
	if err := c.do(ctx, http.MethodGet, "/metrics/transfer", nil, &m); err != nil {
		return 0, err
	}
	return m.BytesTransferredByUserID[handle], nil
}
