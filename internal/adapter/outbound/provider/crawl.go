package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// KindCrawl is the task kind served by CrawlClient.
const KindCrawl = "crawl"

// maxCrawlPages bounds how many result pages one status call follows.
const maxCrawlPages = 100

// documentSeparator joins partial documents into one result.
const documentSeparator = "\n\n"

type crawlRequest struct {
	URL   string `json:"url"`
	Limit int    `json:"limit,omitempty"`
}

type crawlSubmitResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type crawlStatusResponse struct {
	Status string `json:"status"`
	Data   []struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
	Next  string `json:"next,omitempty"`
	Error string `json:"error,omitempty"`
}

// CrawlClient talks to the crawl provider. Submit always returns a handle;
// finished results are paginated and concatenated here.
type CrawlClient struct {
	caller
}

var _ outbound.TaskClientPort = (*CrawlClient)(nil)

// NewCrawlClient creates a crawl provider client.
func NewCrawlClient(client *http.Client, cfg Config, m *metrics.Metrics) *CrawlClient {
	return &CrawlClient{caller: caller{name: KindCrawl, client: client, config: cfg, metrics: m}}
}

// Kind returns KindCrawl.
func (c *CrawlClient) Kind() string {
	return KindCrawl
}

// Submit starts a crawl.
func (c *CrawlClient) Submit(ctx context.Context, payload *outbound.TaskPayload) (*outbound.SubmitResult, error) {
	target, err := url.Parse(payload.InputURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: invalid crawl url %q", outbound.ErrProviderRejected, payload.InputURL)
	}

	var resp crawlSubmitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/v1/crawl", &crawlRequest{
		URL:   payload.InputURL,
		Limit: payload.Limit,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: crawl submit returned no job id", outbound.ErrProviderUnavailable)
	}

	return &outbound.SubmitResult{ExternalID: resp.ID, State: outbound.ProviderStatePending}, nil
}

// GetStatus reports the crawl state. On completion it follows every result
// page and returns the concatenated documents.
func (c *CrawlClient) GetStatus(ctx context.Context, externalID string) (*outbound.TaskStatus, error) {
	path := "/v1/crawl/" + url.PathEscape(externalID)

	var first crawlStatusResponse
	if err := c.do(ctx, "status", http.MethodGet, path, nil, &first); err != nil {
		return nil, err
	}

	switch first.Status {
	case "completed":
	case "failed", "cancelled":
		msg := first.Error
		if msg == "" {
			msg = "crawl " + first.Status
		}
		return &outbound.TaskStatus{State: outbound.ProviderStateFailed, Error: msg}, nil
	default:
		return &outbound.TaskStatus{State: outbound.ProviderStatePending}, nil
	}

	var docs []string
	page := &first
	for i := 0; ; i++ {
		for _, d := range page.Data {
			if d.Markdown != "" {
				docs = append(docs, d.Markdown)
			}
		}
		if page.Next == "" {
			break
		}
		if i >= maxCrawlPages {
			return nil, fmt.Errorf("%w: crawl %s exceeded %d result pages", outbound.ErrProviderUnavailable, externalID, maxCrawlPages)
		}

		next, err := c.nextPath(page.Next)
		if err != nil {
			return nil, err
		}
		var resp crawlStatusResponse
		if err := c.do(ctx, "status_page", http.MethodGet, next, nil, &resp); err != nil {
			return nil, err
		}
		page = &resp
	}

	return &outbound.TaskStatus{
		State:  outbound.ProviderStateSucceeded,
		Result: strings.Join(docs, documentSeparator),
	}, nil
}

// nextPath turns a "next" link into a path relative to BaseURL. Links to
// other hosts are refused.
func (c *CrawlClient) nextPath(next string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: invalid next link: %v", outbound.ErrProviderUnavailable, err)
	}
	if !u.IsAbs() {
		return u.RequestURI(), nil
	}
	base, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base url: %v", outbound.ErrProviderRejected, err)
	}
	if u.Host != base.Host {
		return "", fmt.Errorf("%w: next link points to foreign host %s", outbound.ErrProviderUnavailable, u.Host)
	}
	rel := strings.TrimPrefix(u.Path, strings.TrimRight(base.Path, "/"))
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel, nil
}
