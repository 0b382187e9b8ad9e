// Package orchestrator is the HTTP client for the external pod provider.
// The provider's API surface is treated as opaque: start, stop and status
// on a single managed pod.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dreamwindow/pkg/logging"
)

// Config represents the configuration for the orchestrator client
type Config struct {
	BaseURL string
	APIKey  string
	PodID   string
	Timeout time.Duration
	Logger  logging.Logger

	// StatusCacheTTL bounds how often Status hits the provider; concurrent
	// refreshes are collapsed into one call.
	StatusCacheTTL time.Duration
}

// Client calls the pod provider with retries and a short status cache.
type Client struct {
	baseURL    string
	apiKey     string
	podID      string
	httpClient *http.Client
	logger     logging.Logger
	retry      retryConfig

	statusTTL time.Duration
	sf        singleflight.Group

	mu       sync.Mutex
	cached   PodStatus
	cachedAt time.Time

	now func() time.Time
}

// NewClient creates a new orchestrator client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.StatusCacheTTL == 0 {
		config.StatusCacheTTL = 5 * time.Second
	}

	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		podID:      config.PodID,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger,
		retry:      defaultRetryConfig(),
		statusTTL:  config.StatusCacheTTL,
		now:        time.Now,
	}
}

// Start asks the provider to start the managed pod.
func (c *Client) Start(ctx context.Context) error {
	return c.post(ctx, fmt.Sprintf("/v1/pods/%s/start", c.podID))
}

// Stop asks the provider to stop the managed pod.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, fmt.Sprintf("/v1/pods/%s/stop", c.podID))
}

// Status fetches the pod's status, served from a short-lived cache so the
// read API cannot stampede the provider.
func (c *Client) Status(ctx context.Context) (PodStatus, error) {
	c.mu.Lock()
	if c.now().Sub(c.cachedAt) < c.statusTTL && !c.cachedAt.IsZero() {
		status := c.cached
		c.mu.Unlock()
		return status, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("status", func() (interface{}, error) {
		status, err := c.fetchStatus(ctx)
		if err != nil {
			return PodStatus{}, err
		}
		c.mu.Lock()
		c.cached = status
		c.cachedAt = c.now()
		c.mu.Unlock()
		return status, nil
	})
	if err != nil {
		return PodStatus{}, err
	}
	return v.(PodStatus), nil
}

func (c *Client) fetchStatus(ctx context.Context) (PodStatus, error) {
	url := fmt.Sprintf("%s/v1/pods/%s", c.baseURL, c.podID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PodStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := doWithRetry(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return PodStatus{}, fmt.Errorf("failed to call orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"response":    string(body),
			}).Error("Orchestrator status request failed")
		}
		return PodStatus{}, fmt.Errorf("orchestrator status failed with status %d", resp.StatusCode)
	}

	var status PodStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return PodStatus{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := doWithRetry(ctx, c.httpClient, req, c.retry)
	if err != nil {
		return fmt.Errorf("failed to call orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if c.logger != nil {
			c.logger.WithFields(logging.Fields{
				"status_code": resp.StatusCode,
				"path":        path,
				"response":    string(body),
			}).Error("Orchestrator request failed")
		}
		return fmt.Errorf("orchestrator returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
