// Package upstox is a minimal Upstox client covering what the monitor
// daemon needs: order placement, feed authorization and TOTP auto-login,
// plus the binary market-feed decoder.
package upstox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

// StatusError carries the HTTP status of a failed vendor call.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstox: http %d", e.Code)
	}
	return fmt.Sprintf("upstox: http %d: %s", e.Code, e.Message)
}

// Client talks to the Upstox REST API on behalf of one user.
type Client struct {
	BaseURL     string
	AccessToken string
	UserID      string
	Paper       bool

	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client bound to one user's access token. Paper clients
// never touch the network for order placement.
func NewClient(baseURL, accessToken, userID string, paper bool) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		UserID:      userID,
		Paper:       paper,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		// Vendor order API allows ~25 req/s per user; stay well under.
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

// PlaceOrder submits an order. Paper mode simulates an immediate accept.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Validity == "" {
		req.Validity = "DAY"
	}

	if c.Paper {
		id := "paper-" + uuid.NewString()
		log.Info().Str("user_id", c.UserID).Str("symbol", req.Symbol).
			Str("side", req.TransactionType).Int("qty", req.Quantity).
			Str("order_id", id).Msg("paper order placed")
		return &OrderResponse{OrderID: id, Paper: true}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/order/place", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Message: vendorMessage(raw)}
	}

	var parsed struct {
		Status string `json:"status"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if parsed.Data.OrderID == "" {
		return nil, fmt.Errorf("order response missing order_id")
	}
	return &OrderResponse{OrderID: parsed.Data.OrderID}, nil
}

// AuthorizeFeed resolves the websocket URL for a feed kind
// ("market-data-feed" or "portfolio-stream-feed"). updateTypes scopes which
// portfolio update kinds the vendor streams; empty means vendor default.
func AuthorizeFeed(ctx context.Context, httpClient *http.Client, authorizeURL, kind, token, updateTypes string) (string, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	u := strings.TrimRight(authorizeURL, "/") + "/" + kind + "/authorize"
	if updateTypes != "" {
		u += "?update_types=" + url.QueryEscape(updateTypes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build authorize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize %s: %w", kind, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Message: vendorMessage(raw)}
	}

	var parsed struct {
		Status string `json:"status"`
		Data   struct {
			AuthorizedRedirectURI string `json:"authorizedRedirectUri"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode authorize response: %w", err)
	}
	if parsed.Data.AuthorizedRedirectURI == "" {
		return "", fmt.Errorf("authorize response missing authorizedRedirectUri")
	}
	return parsed.Data.AuthorizedRedirectURI, nil
}

// TOTPLogin performs the vendor's automated login flow, generating the
// current TOTP code from the stored secret. Returns the access token and
// its expiry.
func TOTPLogin(ctx context.Context, httpClient *http.Client, baseURL string, creds Credentials) (string, time.Time, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate totp: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"mobile": creds.Mobile,
		"pin":    creds.Pin,
		"totp":   code,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/login/authorization/totp", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("totp login: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &StatusError{Code: resp.StatusCode, Message: vendorMessage(raw)}
	}

	var parsed struct {
		Data struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("decode login response: %w", err)
	}
	if parsed.Data.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("login response missing access_token")
	}

	expiry := time.Now().Add(time.Duration(parsed.Data.ExpiresIn) * time.Second)
	if parsed.Data.ExpiresIn <= 0 {
		// Vendor tokens are valid until 03:30 IST next day; fall back to 12h.
		expiry = time.Now().Add(12 * time.Hour)
	}
	return parsed.Data.AccessToken, expiry, nil
}

func vendorMessage(raw []byte) string {
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	if len(parsed.Errors) > 0 {
		return parsed.Errors[0].Message
	}
	return parsed.Message
}
