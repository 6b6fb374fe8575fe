package main

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

	"github.com/kalambet/medidash/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	owner      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	owner := userFlag
	if owner == "" {
		owner = cfg.MCP.Owner
	}

	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   token,
		owner:   owner,
		// Analysis runs several model calls with backoff.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// userPath prefixes p with the current user's API root.
func (c *apiClient) userPath(p string) string {
	return "/v1/users/" + url.PathEscape(c.owner) + p
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is medidash running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

// apiError is the server's error envelope, surfaced to the user as-is.
type apiError struct {
	Status int `json:"-"`
	Body   struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	raw string
}

func (e *apiError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.raw)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Body.Type, e.Body.Message)
}

// decodeJSON closes resp. Responses of 400 and above become *apiError.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusBadRequest {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("server returned %d, reading body: %w", resp.StatusCode, err)
	}
	e := &apiError{Status: resp.StatusCode, raw: strings.TrimSpace(string(body))}
	_ = json.Unmarshal(body, e)
	return e
}
