package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// envelope is the backend's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client fetches the lead directory from the backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a lead directory client.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     logger.With("component", "directory"),
	}
}

// FetchLeads retrieves the current lead list.
func (c *Client) FetchLeads(ctx context.Context) ([]Lead, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/leads", nil)
	if err != nil {
		return nil, fmt.Errorf("directory: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("directory: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return nil, fmt.Errorf("directory: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("directory: backend returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("directory: decoding response: %w", err)
	}
	var leads []Lead
	if err := json.Unmarshal(env.Data, &leads); err != nil {
		return nil, fmt.Errorf("directory: decoding lead list: %w", err)
	}
	return leads, nil
}

// RunRefresh keeps the directory synchronized on an interval until the
// context is canceled. The initial fetch happens immediately; failures
// are logged and retried on the next tick.
func (c *Client) RunRefresh(ctx context.Context, dir *Directory, interval time.Duration) {
	refresh := func() {
		leads, err := c.FetchLeads(ctx)
		if err != nil {
			c.logger.Error("lead directory refresh failed", "error", err)
			return
		}
		dir.Replace(leads)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return
		}
	}
}
