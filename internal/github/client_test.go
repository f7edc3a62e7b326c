package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirectTransport sends every request to the test server, keeping the
// path and query.
type redirectTransport struct {
	target *url.URL
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

// fakeRegistry serves the runners endpoint split across pages.
type fakeRegistry struct {
	mu      sync.Mutex
	pages   []string
	hits    []string
	deletes []string
	// deleteStatus is returned by DELETE calls.
	deleteStatus int
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if r.URL.Path != "/repos/octo/hello/actions/runners" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.hits = append(f.hits, r.URL.RawQuery)
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			_, _ = fmt.Sscanf(p, "%d", &page)
		}
		if page < len(f.pages) {
			w.Header().Set("Link", fmt.Sprintf(
				`<https://api.github.com/repos/octo/hello/actions/runners?per_page=100&page=%d>; rel="next", <https://api.github.com/repos/octo/hello/actions/runners?per_page=100&page=%d>; rel="last"`,
				page+1, len(f.pages)))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.pages[page-1]))
	case http.MethodDelete:
		f.deletes = append(f.deletes, r.URL.Path)
		w.WriteHeader(f.deleteStatus)
	}
}

func (f *fakeRegistry) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hits)
}

func (f *fakeRegistry) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c, err := NewClient(ClientConfig{
		Token:      "ghp_test",
		Repository: "octo/hello",
		Transport:  redirectTransport{target: target},
	})
	require.NoError(t, err)
	return c
}

func TestRepoPath(t *testing.T) {
	c := &Client{owner: "octocat", repo: "hello-world"}
	assert.Equal(t, "repos/octocat/hello-world/actions/runners", c.repoPath("actions/runners"))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Token: "x", Repository: "nope"})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{Repository: "octo/hello"})
	assert.Error(t, err)
}

func TestListRunnersFollowsAllPages(t *testing.T) {
	reg := &fakeRegistry{pages: []string{
		`{"total_count":3,"runners":[{"id":1,"name":"r-one","status":"online"},{"id":2,"name":"r-two","status":"offline"}]}`,
		`{"total_count":3,"runners":[{"id":3,"name":"r-abc123","status":"online","labels":[{"name":"self-hosted"}]}]}`,
	}}
	c := newTestClient(t, reg)

	runners, err := c.ListRunners(context.Background())
	require.NoError(t, err)
	require.Len(t, runners, 3)
	assert.Equal(t, "r-abc123", runners[2].Name)
	assert.Equal(t, 2, reg.hitCount())
}

func TestFindRunnerOnSecondPage(t *testing.T) {
	reg := &fakeRegistry{pages: []string{
		`{"runners":[{"id":1,"name":"other","status":"online"}]}`,
		`{"runners":[{"id":7,"name":"r-abc123","status":"online"}]}`,
	}}
	c := newTestClient(t, reg)

	r, err := c.FindRunner(context.Background(), "r-abc123")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, RunnerOnline, r.Status)
}

func TestFindRunnerNotFound(t *testing.T) {
	reg := &fakeRegistry{pages: []string{`{"runners":[]}`}}
	c := newTestClient(t, reg)

	r, err := c.FindRunner(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestListRunnersHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.ListRunners(context.Background())
	assert.Error(t, err)
}

func TestRemoveRunner(t *testing.T) {
	reg := &fakeRegistry{deleteStatus: http.StatusNoContent}
	c := newTestClient(t, reg)

	require.NoError(t, c.RemoveRunner(context.Background(), 42))
	assert.Equal(t, []string{"/repos/octo/hello/actions/runners/42"}, reg.deleted())
}

func TestRemoveRunnerAlreadyGone(t *testing.T) {
	reg := &fakeRegistry{deleteStatus: http.StatusNotFound}
	c := newTestClient(t, reg)

	assert.NoError(t, c.RemoveRunner(context.Background(), 42))
}

func TestFindRunnerMatchesNameBeforeLabel(t *testing.T) {
	runners := []Runner{
		{ID: 1, Name: "a", Labels: []RunnerLabel{{Name: "r-x"}}},
		{ID: 2, Name: "r-x"},
	}
	r := findRunner(runners, "r-x")
	require.NotNil(t, r)
	assert.Equal(t, int64(2), r.ID)

	r = findRunner(runners[:1], "r-x")
	require.NotNil(t, r)
	assert.Equal(t, int64(1), r.ID)
}

func TestNextPage(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	_, ok := nextPage(resp)
	assert.False(t, ok)

	resp.Header.Set("Link", `<https://api.github.com/x?page=3>; rel="next", <https://api.github.com/x?page=9>; rel="last"`)
	next, ok := nextPage(resp)
	assert.True(t, ok)
	assert.Equal(t, "https://api.github.com/x?page=3", next)
}
