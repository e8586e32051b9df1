package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"MediaForge/internal/conf"
	"MediaForge/internal/model"
)

// ProviderClientImpl talks to the upstream generation providers: task
// submission at job start and artifact download at callback time. Result
// URLs are provider-hosted and short-lived, so downloads happen as soon as
// the callback arrives.
type ProviderClientImpl struct {
	providers map[string]*conf.ProviderAPI
	client    *http.Client
	logger    *log.Helper
}

// NewProviderClient creates a new provider client
func NewProviderClient(providers map[string]*conf.ProviderAPI, logger log.Logger) *ProviderClientImpl {
	return &ProviderClientImpl{
		providers: providers,
		client: &http.Client{
			Timeout: 5 * time.Minute, // video artifacts can be large
		},
		logger: log.NewHelper(logger),
	}
}

type submitRequest struct {
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	InputURL    string `json:"input_url,omitempty"`
	CallbackURL string `json:"callBackUrl"`
}

type submitResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID   string `json:"taskId"`
		TaskUUID string `json:"taskUUID"`
	} `json:"data"`
	TaskID   string `json:"task_id"`
	TaskUUID string `json:"taskUUID"`
}

func (r *submitResponse) taskRef() string {
	for _, id := range []string{r.Data.TaskID, r.Data.TaskUUID, r.TaskID, r.TaskUUID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// SubmitTask creates a generation task with the named provider and returns
// the provider-issued task id. The callback URL points the provider back at
// the webhook endpoint for this provider.
func (p *ProviderClientImpl) SubmitTask(ctx context.Context, provider model.Provider, contentType model.ContentType, prompt, inputURL string) (string, error) {
	api, ok := p.providers[string(provider)]
	if !ok || api.Endpoint == "" {
		return "", fmt.Errorf("provider %s is not configured", provider)
	}

	body, err := json.Marshal(submitRequest{
		Type:        string(contentType),
		Prompt:      prompt,
		InputURL:    inputURL,
		CallbackURL: fmt.Sprintf("%s/v1/webhooks/%s", api.CallbackBase, provider),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.Endpoint+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if api.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+api.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit task to %s: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read submit response from %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider %s rejected task: status %d: %s", provider, resp.StatusCode, respBody)
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("failed to decode submit response from %s: %w", provider, err)
	}
	if sr.Code != 0 && sr.Code != 200 {
		return "", fmt.Errorf("provider %s rejected task: code %d: %s", provider, sr.Code, sr.Msg)
	}

	taskID := sr.taskRef()
	if taskID == "" {
		return "", fmt.Errorf("provider %s returned no task id", provider)
	}

	p.logger.Infow("provider task created",
		"provider", provider,
		"content_type", contentType,
		"provider_task_id", taskID)
	return taskID, nil
}

// FetchResult downloads the artifact at url. The caller owns the returned
// body and must close it.
func (p *ProviderClientImpl) FetchResult(ctx context.Context, url string) (io.ReadCloser, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to build result request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to fetch result: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, "", fmt.Errorf("unexpected status %d fetching result", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	p.logger.Debugw("fetching provider result",
		"url", url,
		"content_length", resp.ContentLength,
		"content_type", contentType)

	return resp.Body, resp.ContentLength, contentType, nil
}
