// Package httpclient builds the pooled HTTP client shared by the provider
// adapters.
package httpclient

import (
	"net"
	"net/http"

	"github.com/uniedit/taskorch/internal/infra/config"
	"github.com/uniedit/taskorch/internal/utils/requestctx"
)

// New returns a client whose transport tags every provider call with the
// configured User-Agent and the originating request ID.
func New(cfg config.HTTPClientConfig) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{
		Transport: Wrap(base, cfg.UserAgent),
		Timeout:   cfg.ResponseTimeout,
	}
}

// Wrap decorates next with the outbound headers.
func Wrap(next http.RoundTripper, userAgent string) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &taggingTransport{next: next, userAgent: userAgent}
}

type taggingTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *taggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := requestctx.RequestID(req.Context())
	if t.userAgent == "" && id == "" {
		return t.next.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if id != "" && req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", id)
	}
	return t.next.RoundTrip(req)
}
