// Package gateway provides a lightweight Go HTTP client for the Flink SQL
// Gateway v1 REST API: sessions, statement operations, and polled result
// fetching.
package gateway

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

// Client talks to one SQL gateway endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway client from a base URL (e.g., "http://gateway:8083").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Session is an open gateway session handle.
type Session struct {
	Handle string
	Name   string
	client *Client
}

// Operation statuses reported by the gateway.
const (
	OpStatusRunning  = "RUNNING"
	OpStatusFinished = "FINISHED"
	OpStatusError    = "ERROR"
	OpStatusCanceled = "CANCELED"
)

// Result fetch markers.
const (
	resultTypeEOS      = "EOS"
	resultTypeNotReady = "NOT_READY"
)

// OpenSession creates a gateway session with the given name and properties.
func (c *Client) OpenSession(ctx context.Context, name string, properties map[string]string) (*Session, error) {
	body := map[string]any{"sessionName": name}
	if len(properties) > 0 {
		body["properties"] = properties
	}

	var resp struct {
		SessionHandle string `json:"sessionHandle"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &resp); err != nil {
		return nil, fmt.Errorf("open session %s: %w", name, err)
	}
	return &Session{Handle: resp.SessionHandle, Name: name, client: c}, nil
}

// AttachSession wraps a previously opened session handle.
func (c *Client) AttachSession(handle string) *Session {
	return &Session{Handle: handle, client: c}
}

// Alive probes whether the session still exists on the gateway.
func (s *Session) Alive(ctx context.Context) bool {
	path := "/v1/sessions/" + url.PathEscape(s.Handle)
	err := s.client.do(ctx, http.MethodGet, path, nil, nil)
	return err == nil
}

// Close tears the session down. Closing a dead session is not an error.
func (s *Session) Close(ctx context.Context) error {
	path := "/v1/sessions/" + url.PathEscape(s.Handle)
	if err := s.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("close session %s: %w", s.Handle, err)
	}
	return nil
}

// Execute submits one SQL statement and returns the operation handle.
func (s *Session) Execute(ctx context.Context, statement string) (string, error) {
	path := "/v1/sessions/" + url.PathEscape(s.Handle) + "/statements"
	var resp struct {
		OperationHandle string `json:"operationHandle"`
	}
	if err := s.client.do(ctx, http.MethodPost, path, map[string]any{"statement": statement}, &resp); err != nil {
		return "", fmt.Errorf("execute statement: %w", err)
	}
	return resp.OperationHandle, nil
}

// OperationStatus returns the gateway-side status of an operation.
func (s *Session) OperationStatus(ctx context.Context, opHandle string) (string, error) {
	path := "/v1/sessions/" + url.PathEscape(s.Handle) +
		"/operations/" + url.PathEscape(opHandle) + "/status"
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("operation status: %w", err)
	}
	return resp.Status, nil
}

// CancelOperation cancels a running operation.
func (s *Session) CancelOperation(ctx context.Context, opHandle string) error {
	path := "/v1/sessions/" + url.PathEscape(s.Handle) +
		"/operations/" + url.PathEscape(opHandle) + "/cancel"
	if err := s.client.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	return nil
}

// CloseOperation releases operation resources on the gateway.
func (s *Session) CloseOperation(ctx context.Context, opHandle string) error {
	path := "/v1/sessions/" + url.PathEscape(s.Handle) +
		"/operations/" + url.PathEscape(opHandle) + "/close"
	if err := s.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("close operation: %w", err)
	}
	return nil
}

// FetchOptions controls result polling.
type FetchOptions struct {
	// PollInterval is the sleep between NOT_READY fetches.
	PollInterval time.Duration
	// MaxPoll bounds the total polling time. Zero or negative fetches once.
	MaxPoll time.Duration
	// RowLimit caps collected rows. Zero means unlimited.
	RowLimit int
}

// FetchResult is the accumulated result of one operation.
type FetchResult struct {
	Columns       []Column
	Rows          []map[string]any
	JobID         string
	IsQueryResult bool
}

// Column describes one result column.
type Column struct {
	Name        string `json:"name"`
	LogicalType any    `json:"logicalType,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// fetchPage is the wire shape of one result page.
type fetchPage struct {
	ResultType    string `json:"resultType"`
	NextResultURI string `json:"nextResultUri"`
	JobID         string `json:"jobID"`
	IsQueryResult bool   `json:"isQueryResult"`
	Results       *struct {
		Columns []Column `json:"columns"`
		Data    []struct {
			Kind   string `json:"kind"`
			Fields []any  `json:"fields"`
		} `json:"data"`
	} `json:"results"`
}

// FetchResults polls result pages for an operation until EOS, the row limit,
// or the polling deadline.
func (s *Session) FetchResults(ctx context.Context, opHandle string, opts FetchOptions) (*FetchResult, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(opts.MaxPoll)
	result := &FetchResult{}
	token := "0"

	for {
		path := "/v1/sessions/" + url.PathEscape(s.Handle) +
			"/operations/" + url.PathEscape(opHandle) +
			"/result/" + token + "?rowFormat=JSON"

		var page fetchPage
		if err := s.client.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("fetch results: %w", err)
		}

		if page.JobID != "" {
			result.JobID = page.JobID
		}
		if page.IsQueryResult {
			result.IsQueryResult = true
		}
		if page.Results != nil {
			if len(result.Columns) == 0 {
				result.Columns = page.Results.Columns
			}
			for _, row := range page.Results.Data {
				record := map[string]any{}
				for i, col := range result.Columns {
					if i < len(row.Fields) {
						record[col.Name] = row.Fields[i]
					}
				}
				result.Rows = append(result.Rows, record)
			}
		}

		if page.ResultType == resultTypeEOS {
			return result, nil
		}
		if opts.RowLimit > 0 && len(result.Rows) >= opts.RowLimit {
			result.Rows = result.Rows[:opts.RowLimit]
			return result, nil
		}
		if opts.MaxPoll <= 0 || time.Now().After(deadline) {
			return result, nil
		}

		if next := nextToken(page.NextResultURI); next != "" {
			token = next
		}
		if page.ResultType == resultTypeNotReady || page.Results == nil || len(page.Results.Data) == 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(opts.PollInterval):
			}
		}
	}
}

// nextToken extracts the trailing result token from a nextResultUri like
// "/v1/sessions/<h>/operations/<oh>/result/3".
func nextToken(uri string) string {
	if uri == "" {
		return ""
	}
	if i := strings.Index(uri, "?"); i >= 0 {
		uri = uri[:i]
	}
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return parts[len(parts)-1]
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = strings.NewReader(string(raw))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
