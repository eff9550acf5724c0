// Package api is the REST client for the Skyport control plane.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client makes authenticated calls against the control plane API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL (including the API version
// segment, e.g. "https://api.skyport.dev/v1").
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %s (%d)", e.Message, e.StatusCode)
}

// ListApps fetches all apps visible to the caller.
func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	var out []App
	if err := c.get(ctx, "/apps", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetApp fetches a single app by ID or name.
func (c *Client) GetApp(ctx context.Context, id string) (*App, error) {
	var out App
	if err := c.get(ctx, "/apps/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs fetches the most recent log lines for an app.
func (c *Client) Logs(ctx context.Context, id string, lines int) (string, error) {
	path := "/apps/" + url.PathEscape(id) + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateDeployment uploads a gzip-compressed source bundle. The
// idempotency key lets the server dedupe retried uploads.
func (c *Client) CreateDeployment(ctx context.Context, appID string, bundle io.Reader, idempotencyKey string) (*Deployment, error) {
	path := "/apps/" + url.PathEscape(appID) + "/deployments"
	req, err := c.newRequest(ctx, http.MethodPost, path, bundle)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/gzip")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out Deployment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: decode deployment: %w", err)
	}
	return &out, nil
}

// GetDeployment fetches the current status of a deployment.
func (c *Client) GetDeployment(ctx context.Context, appID, deployID string) (*Deployment, error) {
	path := "/apps/" + url.PathEscape(appID) + "/deployments/" + url.PathEscape(deployID)
	var out Deployment
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitDeployment polls until the deployment reaches a terminal status or
// the context is cancelled.
func (c *Client) WaitDeployment(ctx context.Context, appID, deployID string, interval time.Duration, onStatus func(status string)) (*Deployment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		dep, err := c.GetDeployment(ctx, appID, deployID)
		if err != nil {
			return nil, err
		}
		if dep.Status != last {
			last = dep.Status
			if onStatus != nil {
				onStatus(dep.Status)
			}
		}
		if dep.Terminal() {
			return dep, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			apiErr.Message = body.Message
		} else {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}
