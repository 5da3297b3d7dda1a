// internal/broker/session.go
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionExchanger swaps an exchange (request) token for a bearer session
// token at the brokerage session API.
type SessionExchanger interface {
	ExchangeToken(ctx context.Context, apiKey, requestToken, apiSecret string) (string, error)
}

type httpSessionExchanger struct {
	baseURL string
	httpc   *http.Client
}

func NewSessionExchanger(baseURL string) SessionExchanger {
	return &httpSessionExchanger{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (e *httpSessionExchanger) ExchangeToken(ctx context.Context, apiKey, requestToken, apiSecret string) (string, error) {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	form := url.Values{
		"api_key":       {apiKey},
		"request_token": {requestToken},
		"checksum":      {hex.EncodeToString(sum[:])},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", "3")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("session exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("session exchange returned status %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("session exchange response: %w", err)
	}
	if out.Data.AccessToken == "" {
		return "", fmt.Errorf("missing access token in session response")
	}
	return out.Data.AccessToken, nil
}
