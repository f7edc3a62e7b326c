package slab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/slabrunner/internal/buildinfo"
)

// Commands understood by the orchestrator's job endpoint.
const (
	CommandStartInstance = "start_instance"
	CommandStopInstance  = "stop_instance"
)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 4 << 10

// Client speaks the orchestrator's HTTP API for a single repository.
type Client struct {
	baseURL    string
	secret     []byte
	owner      string
	repo       string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL.  repository is "owner/repo".
// A nil httpClient gets an OpenTelemetry-instrumented default.
func NewClient(baseURL, secret, repository string, httpClient *http.Client) (*Client, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("repository %q is not in owner/repo form", repository)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     []byte(secret),
		owner:      owner,
		repo:       repo,
		httpClient: httpClient,
	}, nil
}

// Submit signs payload and posts it to the job endpoint with the given
// command.  On success the JSON answer is decoded into out.  Every
// failure is a *SubmissionError.
func (c *Client) Submit(ctx context.Context, command string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &SubmissionError{Command: command, Err: fmt.Errorf("encoding payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/job", bytes.NewReader(body))
	if err != nil {
		return &SubmissionError{Command: command, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slab-Repository", c.owner+"/"+c.repo)
	req.Header.Set("X-Slab-Command", command)
	req.Header.Set(signatureHeader, signatureValue(c.secret, body))

	resp, err := c.do(req)
	if err != nil {
		return &SubmissionError{Command: command, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SubmissionError{
			Command:    command,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &SubmissionError{Command: command, Accepted: true, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// FetchTask returns the raw status body of a task.
func (c *Client) FetchTask(ctx context.Context, taskID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.taskURL("backend_task", taskID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	return io.ReadAll(resp.Body)
}

// Acknowledge tells the orchestrator the start task's effects were
// consumed so it can disarm its watchdog.  An unknown task is not an
// error.
func (c *Client) Acknowledge(ctx context.Context, taskID string) error {
	return c.housekeeping(ctx, http.MethodPost, "backend_task_ack_done", taskID)
}

// DeleteTask removes the task record.  An unknown task is not an error.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.housekeeping(ctx, http.MethodDelete, "task_delete", taskID)
}

func (c *Client) housekeeping(ctx context.Context, method, route, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.taskURL(route, taskID), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		return &statusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "slabrunner/"+buildinfo.Version)
	return c.httpClient.Do(req)
}

func (c *Client) taskURL(route, taskID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.baseURL, route,
		url.PathEscape(c.owner), url.PathEscape(c.repo), url.PathEscape(taskID))
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
