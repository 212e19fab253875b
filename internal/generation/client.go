package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.VideoGenerator = (*Client)(nil)

// maxArtifactBytes ограничивает скачиваемый результат (512 MiB).
const maxArtifactBytes = 512 << 20

// Client talks to the external video generation HTTP API.
// Таймаут клиента — транспортный; он не связан с окном ретраев попытки.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("VideoGenClient"),
	}
}

type createJobRequest struct {
	Prompt   string `json:"prompt"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Duration int    `json:"duration_seconds"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type jobStatusResponse struct {
	Status    string `json:"status"` // queued | processing | succeeded | failed
	ResultURL string `json:"result_url,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// CreateJob submits a prompt. Rejections are classified into the prompt
// outcome taxonomy so the caller can record them and let the user retry.
func (c *Client) CreateJob(ctx context.Context, prompt string, params interfaces.JobParams) (string, error) {
	body, err := json.Marshal(createJobRequest{
		Prompt:   prompt,
		Width:    params.Width,
		Height:   params.Height,
		Duration: params.Duration,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", models.ErrGenerationTimeout
		}
		c.logger.Error("Create job request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", models.ErrGenerationUpstream, err)
	}
	defer resp.Body.Close()

	var parsed createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("%w: undecodable response", models.ErrGenerationUpstream)
	}

	switch {
	case resp.StatusCode == http.StatusOK && parsed.JobID != "":
		c.logger.Info("Generation job created", zap.String("jobID", parsed.JobID))
		return parsed.JobID, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		reason := "prompt rejected"
		if parsed.Error != nil {
			reason = parsed.Error.Message
		}
		return "", &models.GenerationRejectedError{Outcome: models.PromptModerationRejected, Reason: reason}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &models.GenerationRejectedError{Outcome: models.PromptRateLimited, Reason: "rate limited"}
	default:
		c.logger.Error("Create job rejected by service", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("%w: http %d", models.ErrGenerationUpstream, resp.StatusCode)
	}
}

// GetJobStatus polls one job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*interfaces.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build job status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: job %s unknown", models.ErrGenerationUpstream, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", models.ErrGenerationUpstream, resp.StatusCode)
	}

	var parsed jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: undecodable status response", models.ErrGenerationUpstream)
	}

	status := &interfaces.JobStatus{ResultURL: parsed.ResultURL, ErrorCode: parsed.ErrorCode}
	switch parsed.Status {
	case "queued":
		status.State = interfaces.JobQueued
	case "processing":
		status.State = interfaces.JobProcessing
	case "succeeded":
		status.State = interfaces.JobSucceeded
	case "failed":
		status.State = interfaces.JobFailed
	default:
		return nil, fmt.Errorf("%w: unknown job status %q", models.ErrGenerationUpstream, parsed.Status)
	}
	return status, nil
}

// FetchResult downloads the finished artifact from the service's result URL.
func (c *Client) FetchResult(ctx context.Context, resultURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build result request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: result fetch http %d", models.ErrGenerationUpstream, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read result body: %v", models.ErrGenerationUpstream, err)
	}
	return data, nil
}

// ClassifyJobError maps a failed job's error code onto a prompt outcome.
func ClassifyJobError(errorCode string) models.PromptOutcome {
	switch errorCode {
	case "moderation":
		return models.PromptModerationRejected
	case "rate_limit":
		return models.PromptRateLimited
	case "timeout":
		return models.PromptTimeout
	default:
		return models.PromptAPIError
	}
}
