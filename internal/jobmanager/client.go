// Package jobmanager provides a lightweight Go HTTP client for the Flink
// job manager REST API, used to track jobs after the submitting process has
// exited.
package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Job states reported by the job manager.
const (
	JobStateCreated    = "CREATED"
	JobStateRunning    = "RUNNING"
	JobStateRestarting = "RESTARTING"
	JobStateFinished   = "FINISHED"
	JobStateCompleted  = "COMPLETED"
	JobStateFailing    = "FAILING"
	JobStateFailed     = "FAILED"
	JobStateCancelling = "CANCELLING"
	JobStateCanceled   = "CANCELED"
)

// ErrJobNotFound indicates the job manager does not know the job id.
var ErrJobNotFound = errors.New("job not found")

// JobDetails is the subset of GET /v1/jobs/{id} this plane cares about.
type JobDetails struct {
	JID      string `json:"jid"`
	Name     string `json:"name"`
	State    string `json:"state"`
	StartTs  int64  `json:"start-time"`
	EndTs    int64  `json:"end-time"`
	Duration int64  `json:"duration"`
}

// Client talks to one job manager endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a job manager client from a base URL (e.g., "http://jobmanager:8081").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetJobDetails returns the job's current state.
func (c *Client) GetJobDetails(ctx context.Context, jobID string) (*JobDetails, error) {
	var details JobDetails
	if err := c.get(ctx, "/v1/jobs/"+url.PathEscape(jobID), &details); err != nil {
		return nil, fmt.Errorf("job details %s: %w", jobID, err)
	}
	return &details, nil
}

// GetJobException returns the root failure cause for a failed job, or ""
// when none is recorded.
func (c *Client) GetJobException(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		RootException string `json:"root-exception"`
	}
	path := "/v1/jobs/" + url.PathEscape(jobID) + "/exceptions"
	if err := c.get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("job exceptions %s: %w", jobID, err)
	}
	return resp.RootException, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
