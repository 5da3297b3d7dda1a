// internal/broker/login.go
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
)

// LoginCredentials is the decrypted material for one tenant's login attempt.
// It lives on the stack of a single refresh cycle and is never persisted.
type LoginCredentials struct {
	TenantID   uuid.UUID
	APIKey     string
	UserID     string // operator login id at the brokerage
	Password   string
	TOTPSecret string
}

// LoginFlow obtains a short-lived exchange (request) token for a tenant.
// The browser-automation mechanics live behind this boundary.
type LoginFlow interface {
	RequestToken(ctx context.Context, creds LoginCredentials) (string, error)
}

// automationLoginFlow drives a headless-login automation service: it posts
// the operator identity plus a freshly computed TOTP code and parses the
// request_token out of the redirect URL the service lands on.
type automationLoginFlow struct {
	endpoint string
	httpc    *http.Client
}

func NewAutomationLoginFlow(endpoint string) LoginFlow {
	return &automationLoginFlow{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *automationLoginFlow) RequestToken(ctx context.Context, creds LoginCredentials) (string, error) {
	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("totp generate: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"api_key":   creds.APIKey,
		"user_id":   creds.UserID,
		"password":  creds.Password,
		"totp_code": code,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("login automation call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("login automation returned status %d", resp.StatusCode)
	}

	var out struct {
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login automation response: %w", err)
	}
	return requestTokenFromRedirect(out.RedirectURL, creds.TenantID)
}

func requestTokenFromRedirect(redirect string, tenantID uuid.UUID) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("redirect url for tenant %s: %w", tenantID, err)
	}
	token := u.Query().Get("request_token")
	if token == "" {
		return "", fmt.Errorf("request_token not found after login for tenant %s", tenantID)
	}
	return token, nil
}
