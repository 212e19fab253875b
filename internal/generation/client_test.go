package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storychain-server/internal/generation"
	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*generation.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return generation.NewClient(server.URL, "test-api-key", 5*time.Second, zap.NewNop()), server
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	params := interfaces.JobParams{Width: 1280, Height: 720, Duration: 8}

	t.Run("Accepted prompt returns the job id", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/jobs", r.URL.Path)
			assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a knight rides into the storm", body["prompt"])
			assert.EqualValues(t, 1280, body["width"])
			assert.EqualValues(t, 8, body["duration_seconds"])

			json.NewEncoder(w).Encode(map[string]string{"job_id": "job-123"})
		}))

		jobID, err := client.CreateJob(ctx, "a knight rides into the storm", params)

		assert.NoError(t, err)
		assert.Equal(t, "job-123", jobID)
	})

	t.Run("Moderation rejection carries the service reason", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "moderation", "message": "prompt violates content policy"},
			})
		}))

		_, err := client.CreateJob(ctx, "bad prompt", params)

		assert.ErrorIs(t, err, models.ErrModerationRejected)
		var rejected *models.GenerationRejectedError
		require.True(t, errors.As(err, &rejected))
		assert.Equal(t, models.PromptModerationRejected, rejected.Outcome)
		assert.Equal(t, "prompt violates content policy", rejected.Reason)
	})

	t.Run("Throttling maps to rate limited", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		_, err := client.CreateJob(ctx, "prompt", params)
		assert.ErrorIs(t, err, models.ErrRateLimited)
	})

	t.Run("Server error is upstream failure", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := client.CreateJob(ctx, "prompt", params)
		assert.ErrorIs(t, err, models.ErrGenerationUpstream)
	})
}

func TestGetJobStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("Status fields map onto job states", func(t *testing.T) {
		responses := map[string]map[string]string{
			"job-q": {"status": "queued"},
			"job-p": {"status": "processing"},
			"job-s": {"status": "succeeded", "result_url": "https://cdn.example.com/out.mp4"},
			"job-f": {"status": "failed", "error_code": "moderation"},
		}
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp, ok := responses[r.URL.Path[len("/v1/jobs/"):]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(resp)
		}))

		status, err := client.GetJobStatus(ctx, "job-q")
		require.NoError(t, err)
		assert.Equal(t, interfaces.JobQueued, status.State)

		status, err = client.GetJobStatus(ctx, "job-p")
		require.NoError(t, err)
		assert.Equal(t, interfaces.JobProcessing, status.State)

		status, err = client.GetJobStatus(ctx, "job-s")
		require.NoError(t, err)
		assert.Equal(t, interfaces.JobSucceeded, status.State)
		assert.Equal(t, "https://cdn.example.com/out.mp4", status.ResultURL)

		status, err = client.GetJobStatus(ctx, "job-f")
		require.NoError(t, err)
		assert.Equal(t, interfaces.JobFailed, status.State)
		assert.Equal(t, "moderation", status.ErrorCode)
	})

	t.Run("Unknown job is upstream failure", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		_, err := client.GetJobStatus(ctx, "job-x")
		assert.ErrorIs(t, err, models.ErrGenerationUpstream)
	})

	t.Run("Unknown status value is rejected", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "paused"})
		}))

		_, err := client.GetJobStatus(ctx, "job-x")
		assert.ErrorIs(t, err, models.ErrGenerationUpstream)
	})
}

func TestFetchResult(t *testing.T) {
	ctx := context.Background()

	t.Run("Downloads the artifact bytes", func(t *testing.T) {
		client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("mp4 bytes"))
		}))

		data, err := client.FetchResult(ctx, server.URL+"/results/out.mp4")

		assert.NoError(t, err)
		assert.Equal(t, []byte("mp4 bytes"), data)
	})

	t.Run("Expired result link is upstream failure", func(t *testing.T) {
		client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))

		_, err := client.FetchResult(ctx, server.URL+"/results/out.mp4")
		assert.ErrorIs(t, err, models.ErrGenerationUpstream)
	})
}

func TestClassifyJobError(t *testing.T) {
	assert.Equal(t, models.PromptModerationRejected, generation.ClassifyJobError("moderation"))
	assert.Equal(t, models.PromptRateLimited, generation.ClassifyJobError("rate_limit"))
	assert.Equal(t, models.PromptTimeout, generation.ClassifyJobError("timeout"))
	assert.Equal(t, models.PromptAPIError, generation.ClassifyJobError("internal"))
	assert.Equal(t, models.PromptAPIError, generation.ClassifyJobError(""))
}
