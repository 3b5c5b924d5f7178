// Package token fetches short-lived signaling access tokens from the
// backend REST API. The token is a JWT minted by the backend for the
// signaling provider; DialCore never validates its signature (that is
// the provider's job) but does read the claims to learn the client
// identity and expiry.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Credentials is a fetched signaling access token plus the client
// identity the backend bound it to.
type Credentials struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// Expired reports whether the token's exp claim has passed.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// tokenRequest is the payload for POST /v1/voice/token.
type tokenRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// tokenResponse is the data payload returned by the backend.
type tokenResponse struct {
	Token string `json:"token"`
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client fetches signaling access tokens from the backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a token client. baseURL is the backend API root;
// apiKey authenticates this agent instance.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     logger.With("component", "token"),
	}
}

// FetchAccessToken requests a fresh signaling access token, optionally
// bound to a device id (empty for a plain voice token).
func (c *Client) FetchAccessToken(ctx context.Context, deviceID string) (Credentials, error) {
	body, err := json.Marshal(tokenRequest{DeviceID: deviceID})
	if err != nil {
		return Credentials{}, fmt.Errorf("token: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/voice/token", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("token: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("token: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credentials{}, fmt.Errorf("token: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return Credentials{}, fmt.Errorf("token: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return Credentials{}, fmt.Errorf("token: backend returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return Credentials{}, fmt.Errorf("token: decoding response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(env.Data, &tr); err != nil {
		return Credentials{}, fmt.Errorf("token: decoding token payload: %w", err)
	}
	if tr.Token == "" {
		return Credentials{}, fmt.Errorf("token: backend returned empty token")
	}

	creds := parseClaims(tr.Token)
	c.logger.Debug("access token fetched",
		"identity", creds.Identity,
		"expires_at", creds.ExpiresAt,
	)
	return creds, nil
}

// parseClaims reads the identity and expiry out of the JWT without
// verifying the signature. A token whose claims cannot be parsed is
// still usable; it just carries no identity or expiry hint.
func parseClaims(raw string) Credentials {
	creds := Credentials{Token: raw}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return creds
	}

	if id, ok := claims["identity"].(string); ok {
		creds.Identity = id
	} else if sub, ok := claims["sub"].(string); ok {
		creds.Identity = sub
	}
	if exp, ok := claims["exp"].(float64); ok {
		creds.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return creds
}
