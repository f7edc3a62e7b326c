package slab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/slabrunner/internal/engine"
)

// ---------------------------------------------------------------------------
// Fake task source
// ---------------------------------------------------------------------------

type fakeResponse struct {
	body string
	err  error
}

// fakeSource replays responses in order and repeats the last one.
type fakeSource struct {
	mu        sync.Mutex
	responses []fakeResponse
	fetches   int
	at        []time.Time
}

func (f *fakeSource) FetchTask(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.at = append(f.at, time.Now())
	i := f.fetches
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.fetches++
	r := f.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func (f *fakeSource) fetchTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.at...)
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func status(kind, s string) fakeResponse {
	return fakeResponse{body: fmt.Sprintf(`{%q:{"status":%q}}`, kind, s)}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type PollerSuite struct {
	suite.Suite
	ctx    context.Context
	logger *slog.Logger
}

func (s *PollerSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *PollerSuite) newPoller(src TaskSource, cfg PollConfig) *Poller {
	return NewPoller(src, cfg, s.logger, nil)
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) TestPendingThenDone_FetchesExactlyNPlusOne() {
	for _, n := range []int{0, 1, 2, 5} {
		src := &fakeSource{}
		for range n {
			src.responses = append(src.responses, status("start", "pending"))
		}
		src.responses = append(src.responses, fakeResponse{body: `{"start":{"status":"done","instance_id":"i-9"}}`})

		p := s.newPoller(src, PollConfig{MaxAttempts: 10})
		task, attempts, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStart)
		require.NoError(s.T(), err, "n=%d", n)
		assert.Equal(s.T(), engine.StatusDone, task.Status)
		assert.Equal(s.T(), "i-9", task.InstanceID)
		assert.Equal(s.T(), n+1, src.count())
		assert.Equal(s.T(), n+1, attempts)
	}
}

func (s *PollerSuite) TestNeverLeavesPending_TimesOutAfterMaxAttempts() {
	src := &fakeSource{responses: []fakeResponse{status("stop", "pending")}}

	p := s.newPoller(src, PollConfig{MaxAttempts: 4})
	_, attempts, err := p.PollUntilTerminal(s.ctx, "t2", engine.TaskStop)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, ErrTaskTimeout))

	var terr *TimeoutError
	require.True(s.T(), errors.As(err, &terr))
	assert.Equal(s.T(), 4, terr.Attempts)
	assert.Equal(s.T(), 4, attempts)
	assert.Equal(s.T(), 4, src.count())
}

func (s *PollerSuite) TestNeverLeavesPending_TimesOutAfterDuration() {
	src := &fakeSource{responses: []fakeResponse{status("start", "pending")}}

	p := s.newPoller(src, PollConfig{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	_, _, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStart)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, ErrTaskTimeout))
	assert.Greater(s.T(), src.count(), 0)
}

func (s *PollerSuite) TestNoFetchAfterTimeBudget() {
	src := &fakeSource{responses: []fakeResponse{status("start", "pending")}}
	timeout := 50 * time.Millisecond

	p := s.newPoller(src, PollConfig{Interval: 20 * time.Millisecond, Timeout: timeout})
	start := time.Now()
	_, attempts, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStart)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, ErrTaskTimeout))

	times := src.fetchTimes()
	assert.Len(s.T(), times, attempts)
	for i, at := range times {
		assert.Less(s.T(), at.Sub(start), timeout, "fetch %d happened after the budget expired", i+1)
	}
}

func (s *PollerSuite) TestUnboundedConfigFallsBackToDefaultBudget() {
	p := s.newPoller(&fakeSource{}, PollConfig{})
	assert.Equal(s.T(), DefaultPollMaxAttempts, p.cfg.MaxAttempts)
}

func (s *PollerSuite) TestFailedIsSurfacedNotRetried() {
	src := &fakeSource{responses: []fakeResponse{
		status("start", "pending"),
		{body: `{"start":{"status":"failed","details":"no capacity"}}`},
		status("start", "done"),
	}}

	p := s.newPoller(src, PollConfig{MaxAttempts: 10})
	_, _, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStart)
	require.Error(s.T(), err)

	var ferr *TaskFailedError
	require.True(s.T(), errors.As(err, &ferr))
	assert.Equal(s.T(), "no capacity", ferr.Details)
	assert.Equal(s.T(), 2, src.count())
}

func (s *PollerSuite) TestTransportErrorCountsAsPendingRound() {
	src := &fakeSource{responses: []fakeResponse{
		{err: errors.New("connection reset")},
		{err: &statusError{StatusCode: 502, Body: "bad gateway"}},
		status("stop", "done"),
	}}

	p := s.newPoller(src, PollConfig{MaxAttempts: 5})
	task, attempts, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStop)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), engine.StatusDone, task.Status)
	assert.Equal(s.T(), 3, attempts)
}

func (s *PollerSuite) TestMalformedBodyFailsClosed() {
	src := &fakeSource{responses: []fakeResponse{{body: `{"start":{}}`}, status("start", "done")}}

	p := s.newPoller(src, PollConfig{MaxAttempts: 5})
	_, _, err := p.PollUntilTerminal(s.ctx, "t1", engine.TaskStart)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, ErrParse))
	assert.Equal(s.T(), 1, src.count())
}

func (s *PollerSuite) TestContextCancelledWhileSleeping() {
	src := &fakeSource{responses: []fakeResponse{status("start", "pending")}}
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	p := s.newPoller(src, PollConfig{Interval: time.Hour, MaxAttempts: 3})
	_, _, err := p.PollUntilTerminal(ctx, "t1", engine.TaskStart)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, context.Canceled))
	assert.Equal(s.T(), 0, src.count())
}
