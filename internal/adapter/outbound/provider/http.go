// Package provider implements TaskClientPort for the external image and
// crawl providers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Config holds a provider's connection settings.
type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	CallTimeout      time.Duration
	FailureThreshold uint32
	CircuitTimeout   time.Duration
}

// apiError is the error envelope both providers use.
type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// caller performs JSON calls and classifies failures.
type caller struct {
	name    string
	client  *http.Client
	config  Config
	metrics *metrics.Metrics
}

// do sends a JSON request and decodes a 2xx response into out. Network
// errors, 408, 429 and 5xx map to ErrProviderUnavailable. Other 4xx map to
// ErrProviderRejected.
func (c *caller) do(ctx context.Context, operation, method, path string, in, out any) error {
	if c.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	status := "ok"
	defer func() {
		c.metrics.RecordProviderCall(c.name, operation, status, time.Since(start))
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			status = "rejected"
			return fmt.Errorf("%w: marshal request: %v", outbound.ErrProviderRejected, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		status = "rejected"
		return fmt.Errorf("%w: create request: %v", outbound.ErrProviderRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		status = "unavailable"
		return fmt.Errorf("%w: %s %s: %w", outbound.ErrProviderUnavailable, c.name, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(resp.Body)
		if retryable(resp.StatusCode) {
			status = "unavailable"
			return fmt.Errorf("%w: %s %s: status %d: %s", outbound.ErrProviderUnavailable, c.name, operation, resp.StatusCode, msg)
		}
		status = "rejected"
		return fmt.Errorf("%w: %s %s: status %d: %s", outbound.ErrProviderRejected, c.name, operation, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		status = "unavailable"
		return fmt.Errorf("%w: %s %s: decode response: %v", outbound.ErrProviderUnavailable, c.name, operation, err)
	}
	return nil
}

func retryable(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var envelope apiError
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(data) == 0 {
		return "empty response"
	}
	return string(data)
}

// IsRejected reports whether err is a permanent provider refusal.
func IsRejected(err error) bool {
	return errors.Is(err, outbound.ErrProviderRejected)
}
