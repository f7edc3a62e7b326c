// Package github talks to the GitHub REST API about self-hosted runners:
// listing the repository's runners (following every page), waiting for
// a freshly provisioned runner to come online, and removing stale
// registrations.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	ghAPI "github.com/cli/go-gh/v2/pkg/api"
)

// runnersPerPage is the largest page size the runners endpoint accepts.
const runnersPerPage = 100

// RunnerStatus is the registry-reported runner state.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
	RunnerUnknown RunnerStatus = "unknown"
)

// RunnerLabel is one label attached to a runner.
type RunnerLabel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Runner is a self-hosted runner as reported by the registry.
type Runner struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	OS     string        `json:"os"`
	Status RunnerStatus  `json:"status"`
	Busy   bool          `json:"busy"`
	Labels []RunnerLabel `json:"labels"`
}

// HasLabel reports whether the runner carries label name.
func (r Runner) HasLabel(name string) bool {
	for _, l := range r.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

type runnersResponse struct {
	TotalCount int      `json:"total_count"`
	Runners    []Runner `json:"runners"`
}

// Client lists and removes the runners of one repository.
type Client struct {
	rest  *ghAPI.RESTClient
	owner string
	repo  string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Token authenticates against the REST API (required).
	Token string
	// Host is the GitHub host, "github.com" by default.
	Host string
	// Repository is "owner/repo".
	Repository string
	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper
}

// NewClient returns a Client for the configured repository.
func NewClient(cfg ClientConfig) (*Client, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository %q is not in owner/repo form", cfg.Repository)
	}
	if cfg.Token == "" {
		return nil, errors.New("github token is required")
	}
	host := cfg.Host
	if host == "" {
		host = "github.com"
	}

	rest, err := ghAPI.NewRESTClient(ghAPI.ClientOptions{
		AuthToken: cfg.Token,
		Host:      host,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	return &Client{rest: rest, owner: owner, repo: repo}, nil
}

func (c *Client) repoPath(path string) string {
	return fmt.Sprintf("repos/%s/%s/%s", c.owner, c.repo, path)
}

var linkRE = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// nextPage returns the URL of the next page from a Link header.
func nextPage(resp *http.Response) (string, bool) {
	for _, m := range linkRE.FindAllStringSubmatch(resp.Header.Get("Link"), -1) {
		if len(m) > 2 && m[2] == "next" {
			return m[1], true
		}
	}
	return "", false
}

// ListRunners returns every runner registered for the repository,
// following pagination until the last page.
func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	var all []Runner
	path := c.repoPath(fmt.Sprintf("actions/runners?per_page=%d", runnersPerPage))

	for {
		resp, err := c.rest.RequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("list runners: %w", err)
		}

		var page runnersResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("list runners: decoding page: %w", err)
		}
		all = append(all, page.Runners...)

		next, ok := nextPage(resp)
		if !ok {
			return all, nil
		}
		path = next
	}
}

// FindRunner returns the runner whose name or label equals label, or nil.
func (c *Client) FindRunner(ctx context.Context, label string) (*Runner, error) {
	runners, err := c.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	return findRunner(runners, label), nil
}

// RemoveRunner deletes a runner registration.  A runner that is already
// gone is not an error.
func (c *Client) RemoveRunner(ctx context.Context, id int64) error {
	err := c.rest.DoWithContext(ctx, http.MethodDelete, c.repoPath(fmt.Sprintf("actions/runners/%d", id)), nil, nil)
	var httpErr *ghAPI.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove runner %d: %w", id, err)
	}
	return nil
}

// findRunner matches by exact name first, then by exact label.
func findRunner(runners []Runner, label string) *Runner {
	for i := range runners {
		if runners[i].Name == label {
			return &runners[i]
		}
	}
	for i := range runners {
		if runners[i].HasLabel(label) {
			return &runners[i]
		}
	}
	return nil
}
