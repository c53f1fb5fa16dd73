package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/uniedit/taskorch/internal/port/outbound"
	"github.com/uniedit/taskorch/internal/utils/metrics"
)

// KindImage is the task kind served by ImageClient.
const KindImage = "image"

type imageTaskRequest struct {
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	ImageURL string `json:"image_url"`
}

type imageTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output *struct {
		Text string `json:"text,omitempty"`
		URL  string `json:"url,omitempty"`
	} `json:"output,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ImageClient talks to the image analysis provider. It often answers
// synchronously, in which case Submit returns a terminal state.
type ImageClient struct {
	caller
}

var _ outbound.TaskClientPort = (*ImageClient)(nil)

// NewImageClient creates an image provider client.
func NewImageClient(client *http.Client, cfg Config, m *metrics.Metrics) *ImageClient {
	return &ImageClient{caller: caller{name: KindImage, client: client, config: cfg, metrics: m}}
}

// Kind returns KindImage.
func (c *ImageClient) Kind() string {
	return KindImage
}

// Submit creates a task on the provider.
func (c *ImageClient) Submit(ctx context.Context, payload *outbound.TaskPayload) (*outbound.SubmitResult, error) {
	if payload.InputURL == "" {
		return nil, fmt.Errorf("%w: image url is required", outbound.ErrProviderRejected)
	}

	var resp imageTaskResponse
	err := c.do(ctx, "submit", http.MethodPost, "/v1/tasks", &imageTaskRequest{
		Model:    c.config.Model,
		Prompt:   payload.Prompt,
		ImageURL: payload.InputURL,
	}, &resp)
	if err != nil {
		return nil, err
	}

	state, result, errMsg := resp.parse()
	if resp.ID == "" && !state.IsTerminal() {
		return nil, fmt.Errorf("%w: image submit returned no task id", outbound.ErrProviderUnavailable)
	}
	return &outbound.SubmitResult{
		ExternalID: resp.ID,
		State:      state,
		Result:     result,
		Error:      errMsg,
	}, nil
}

// GetStatus fetches the task state.
func (c *ImageClient) GetStatus(ctx context.Context, externalID string) (*outbound.TaskStatus, error) {
	var resp imageTaskResponse
	if err := c.do(ctx, "status", http.MethodGet, "/v1/tasks/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, err
	}
	state, result, errMsg := resp.parse()
	return &outbound.TaskStatus{State: state, Result: result, Error: errMsg}, nil
}

func (r *imageTaskResponse) parse() (outbound.ProviderState, string, string) {
	switch r.Status {
	case "succeeded", "completed":
		result := ""
		if r.Output != nil {
			result = r.Output.Text
			if result == "" {
				result = r.Output.URL
			}
		}
		return outbound.ProviderStateSucceeded, result, ""
	case "failed", "error", "cancelled":
		msg := "provider reported failure"
		if r.Error != nil && r.Error.Message != "" {
			msg = r.Error.Message
		}
		return outbound.ProviderStateFailed, "", msg
	default:
		return outbound.ProviderStatePending, "", ""
	}
}
