package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

func testConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, APIKey: "secret", Model: "vision-1", CallTimeout: time.Second}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestImageClient_Submit(t *testing.T) {
	t.Run("Synchronous success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/tasks", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

			var req imageTaskRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "vision-1", req.Model)
			assert.Equal(t, "https://files/x.png", req.ImageURL)

			writeJSON(w, http.StatusOK, map[string]any{
				"id":     "t-1",
				"status": "succeeded",
				"output": map[string]any{"text": "a cat"},
			})
		}))
		defer srv.Close()

		c := NewImageClient(srv.Client(), testConfig(srv.URL), nil)
		res, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "https://files/x.png", Prompt: "describe"})
		require.NoError(t, err)
		assert.Equal(t, outbound.ProviderStateSucceeded, res.State)
		assert.Equal(t, "a cat", res.Result)
		assert.Equal(t, "t-1", res.ExternalID)
	})

	t.Run("Accepted for polling", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{"id": "t-2", "status": "queued"})
		}))
		defer srv.Close()

		c := NewImageClient(srv.Client(), testConfig(srv.URL), nil)
		res, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "https://files/x.png"})
		require.NoError(t, err)
		assert.Equal(t, outbound.ProviderStatePending, res.State)
		assert.Equal(t, "t-2", res.ExternalID)
	})

	t.Run("4xx is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "unsupported format"}})
		}))
		defer srv.Close()

		c := NewImageClient(srv.Client(), testConfig(srv.URL), nil)
		_, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "https://files/x.bmp"})
		require.Error(t, err)
		assert.ErrorIs(t, err, outbound.ErrProviderRejected)
		assert.Contains(t, err.Error(), "unsupported format")
		assert.True(t, IsRejected(err))
	})

	t.Run("5xx and 429 are unavailable", func(t *testing.T) {
		for _, code := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			c := NewImageClient(srv.Client(), testConfig(srv.URL), nil)
			_, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "https://files/x.png"})
			assert.ErrorIs(t, err, outbound.ErrProviderUnavailable, "status %d", code)
			srv.Close()
		}
	})

	t.Run("Network failure is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewImageClient(http.DefaultClient, testConfig(url), nil)
		_, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "https://files/x.png"})
		assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
	})

	t.Run("Missing input is rejected locally", func(t *testing.T) {
		c := NewImageClient(http.DefaultClient, testConfig("http://unused"), nil)
		_, err := c.Submit(context.Background(), &outbound.TaskPayload{})
		assert.ErrorIs(t, err, outbound.ErrProviderRejected)
	})
}

func TestImageClient_CallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CallTimeout = 20 * time.Millisecond
	c := NewImageClient(srv.Client(), cfg, nil)

	start := time.Now()
	_, err := c.GetStatus(context.Background(), "t-1")
	assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestImageClient_CallerCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "t-1", "status": "pending"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBreakerClient(NewImageClient(srv.Client(), testConfig(srv.URL), nil), 1, time.Minute, nil)

	_, err := b.GetStatus(ctx, "t-1")
	assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestImageClient_GetStatus(t *testing.T) {
	statuses := []map[string]any{
		{"id": "t-1", "status": "processing"},
		{"id": "t-1", "status": "failed", "error": map[string]any{"message": "nsfw"}},
	}
	var call atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-1", r.URL.Path)
		writeJSON(w, http.StatusOK, statuses[call.Add(1)-1])
	}))
	defer srv.Close()

	c := NewImageClient(srv.Client(), testConfig(srv.URL), nil)

	st, err := c.GetStatus(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, outbound.ProviderStatePending, st.State)

	st, err = c.GetStatus(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, outbound.ProviderStateFailed, st.State)
	assert.Equal(t, "nsfw", st.Error)
}

func TestCrawlClient(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/crawl":
			var req crawlRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://example.com", req.URL)
			assert.Equal(t, 5, req.Limit)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": "c-1"})

		case r.URL.Path == "/v1/crawl/c-1" && r.URL.Query().Get("cursor") == "":
			if polls.Add(1) == 1 {
				writeJSON(w, http.StatusOK, map[string]any{"status": "scraping", "data": []any{}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "completed",
				"data":   []any{map[string]any{"markdown": "# one"}},
				"next":   "/v1/crawl/c-1?cursor=2",
			})

		case r.URL.Query().Get("cursor") == "2":
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "completed",
				"data":   []any{map[string]any{"markdown": "# two"}, map[string]any{"markdown": "# three"}},
				"next":   srvURL(r) + "/v1/crawl/c-1?cursor=3",
			})

		case r.URL.Query().Get("cursor") == "3":
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "completed",
				"data":   []any{map[string]any{"markdown": "# four"}},
			})

		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewCrawlClient(srv.Client(), testConfig(srv.URL), nil)
	ctx := context.Background()

	res, err := c.Submit(ctx, &outbound.TaskPayload{InputURL: "https://example.com", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "c-1", res.ExternalID)
	assert.Equal(t, outbound.ProviderStatePending, res.State)

	st, err := c.GetStatus(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, outbound.ProviderStatePending, st.State)

	st, err = c.GetStatus(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, outbound.ProviderStateSucceeded, st.State)
	assert.Equal(t, "# one\n\n# two\n\n# three\n\n# four", st.Result)
}

func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestCrawlClient_Rejections(t *testing.T) {
	c := NewCrawlClient(http.DefaultClient, testConfig("http://provider.local"), nil)

	_, err := c.Submit(context.Background(), &outbound.TaskPayload{InputURL: "not a url"})
	assert.ErrorIs(t, err, outbound.ErrProviderRejected)

	_, err = c.nextPath("https://evil.example/v1/crawl/c-1?cursor=2")
	assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
}

func TestCrawlClient_Failed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "error": "robots.txt disallows"})
	}))
	defer srv.Close()

	c := NewCrawlClient(srv.Client(), testConfig(srv.URL), nil)
	st, err := c.GetStatus(context.Background(), "c-9")
	require.NoError(t, err)
	assert.Equal(t, outbound.ProviderStateFailed, st.State)
	assert.Equal(t, "robots.txt disallows", st.Error)
}

type stubClient struct {
	err   error
	calls atomic.Int32
}

func (s *stubClient) Kind() string { return "stub" }

func (s *stubClient) Submit(_ context.Context, _ *outbound.TaskPayload) (*outbound.SubmitResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &outbound.SubmitResult{ExternalID: "x", State: outbound.ProviderStatePending}, nil
}

func (s *stubClient) GetStatus(_ context.Context, _ string) (*outbound.TaskStatus, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &outbound.TaskStatus{State: outbound.ProviderStatePending}, nil
}

func TestBreakerClient(t *testing.T) {
	t.Run("Opens after consecutive unavailable errors", func(t *testing.T) {
		stub := &stubClient{err: outbound.ErrProviderUnavailable}
		b := NewBreakerClient(stub, 2, time.Minute, nil)

		for i := 0; i < 2; i++ {
			_, err := b.Submit(context.Background(), &outbound.TaskPayload{})
			assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
		}
		assert.Equal(t, gobreaker.StateOpen, b.State())

		_, err := b.GetStatus(context.Background(), "x")
		assert.ErrorIs(t, err, outbound.ErrProviderUnavailable)
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int32(2), stub.calls.Load())
	})

	t.Run("Rejections keep the circuit closed", func(t *testing.T) {
		stub := &stubClient{err: outbound.ErrProviderRejected}
		b := NewBreakerClient(stub, 2, time.Minute, nil)

		for i := 0; i < 5; i++ {
			_, err := b.Submit(context.Background(), &outbound.TaskPayload{})
			assert.ErrorIs(t, err, outbound.ErrProviderRejected)
		}
		assert.Equal(t, gobreaker.StateClosed, b.State())
	})

	t.Run("Cancelled calls keep the circuit closed", func(t *testing.T) {
		stub := &stubClient{err: fmt.Errorf("%w: %w", outbound.ErrProviderUnavailable, context.Canceled)}
		b := NewBreakerClient(stub, 2, time.Minute, nil)

		for i := 0; i < 5; i++ {
			_, err := b.GetStatus(context.Background(), "x")
			assert.ErrorIs(t, err, context.Canceled)
		}
		assert.Equal(t, gobreaker.StateClosed, b.State())
		assert.Equal(t, int32(5), stub.calls.Load())
	})

	t.Run("Passes results through", func(t *testing.T) {
		b := NewBreakerClient(&stubClient{}, 2, time.Minute, nil)
		res, err := b.Submit(context.Background(), &outbound.TaskPayload{})
		require.NoError(t, err)
		assert.Equal(t, "x", res.ExternalID)
		assert.Equal(t, "stub", b.Kind())
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		NewImageClient(http.DefaultClient, Config{}, nil),
		NewCrawlClient(http.DefaultClient, Config{}, nil),
	)

	assert.Equal(t, []string{"crawl", "image"}, r.Kinds())
	c, ok := r.Get("image")
	require.True(t, ok)
	assert.Equal(t, KindImage, c.Kind())

	_, ok = r.Get("video")
	assert.False(t, ok)
}
