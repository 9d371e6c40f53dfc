// Package crm delivers queue item payloads to the downstream CRM through
// the authenticated proxy.
package crm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AYHALOUI/retry-queue/internal/queue"
	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

// Config holds delivery configuration. BaseURL points at the proxy that
// injects downstream credentials; APIKey is only needed when talking to the
// proxy itself requires one.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
}

// Invoker implements queue.Invoker over HTTP. One attempt is one POST of
// the item's payload to {base_url}/{entity_type}.
type Invoker struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewInvoker creates an HTTP delivery invoker.
func NewInvoker(config Config) (*Invoker, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("crm invoker: base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("crm invoker configured",
		"base_url", config.BaseURL,
		"timeout", config.Timeout,
		"rate_limit", config.RateLimit,
	)

	return &Invoker{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
	}, nil
}

// Attempt performs one delivery attempt. Downstream rejections, transport
// errors and timeouts all come back as success=false with a detail string;
// they are queue state, not Go errors.
func (inv *Invoker) Attempt(ctx context.Context, item *queue.Item) (bool, string) {
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return false, fmt.Sprintf("rate limiter wait: %v", err)
		}
	}

	url := fmt.Sprintf("%s/%s", inv.config.BaseURL, item.EntityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(item.Data))
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.config.APIKey != "" {
		req.Header.Set("X-Api-Key", inv.config.APIKey)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("send request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("crm delivery succeeded",
			"item_id", item.ID,
			"entity_type", item.EntityType,
			"status", resp.StatusCode,
		)
		return true, ""
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return false, fmt.Sprintf("crm responded %d: %s", resp.StatusCode, string(body))
}
