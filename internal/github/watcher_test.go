package github

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Fake runner source
// ---------------------------------------------------------------------------

type listResult struct {
	runners []Runner
	err     error
}

// fakeSource replays results in order and repeats the last one.
type fakeSource struct {
	mu      sync.Mutex
	results []listResult
	calls   int
}

func (f *fakeSource) ListRunners(_ context.Context) ([]Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.results)-1)
	f.calls++
	return f.results[i].runners, f.results[i].err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type WatcherSuite struct {
	suite.Suite
	ctx    context.Context
	logger *slog.Logger
}

func (s *WatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *WatcherSuite) newWatcher(src RunnerSource, timeout time.Duration) *Watcher {
	return NewWatcher(src, WatchConfig{Timeout: timeout}, s.logger)
}

func TestWatcherSuite(t *testing.T) {
	suite.Run(t, new(WatcherSuite))
}

func (s *WatcherSuite) TestOfflineThenOnline() {
	src := &fakeSource{results: []listResult{
		{runners: nil},
		{runners: []Runner{{ID: 5, Name: "r-abc123", Status: RunnerOffline}}},
		{runners: []Runner{{ID: 5, Name: "r-abc123", Status: RunnerOnline}}},
	}}

	r, err := s.newWatcher(src, time.Minute).WaitForOnline(s.ctx, "r-abc123")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(5), r.ID)
	assert.Equal(s.T(), 3, src.count())
}

func (s *WatcherSuite) TestListingErrorsDoNotAbort() {
	src := &fakeSource{results: []listResult{
		{err: errors.New("502 bad gateway")},
		{err: errors.New("connection reset")},
		{runners: []Runner{{ID: 9, Name: "r-1", Status: RunnerOnline}}},
	}}

	r, err := s.newWatcher(src, time.Minute).WaitForOnline(s.ctx, "r-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(9), r.ID)
}

func (s *WatcherSuite) TestIgnoresOtherRunners() {
	src := &fakeSource{results: []listResult{
		{runners: []Runner{{ID: 1, Name: "r-other", Status: RunnerOnline}}},
		{runners: []Runner{{ID: 1, Name: "r-other", Status: RunnerOnline}, {ID: 2, Name: "r-mine", Status: RunnerOnline}}},
	}}

	r, err := s.newWatcher(src, time.Minute).WaitForOnline(s.ctx, "r-mine")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(2), r.ID)
}

func (s *WatcherSuite) TestTimesOut() {
	src := &fakeSource{results: []listResult{
		{runners: []Runner{{ID: 5, Name: "r-abc123", Status: RunnerOffline}}},
	}}

	w := NewWatcher(src, WatchConfig{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}, s.logger)
	_, err := w.WaitForOnline(s.ctx, "r-abc123")
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, ErrRegistrationTimeout))

	var terr *RegistrationTimeoutError
	require.True(s.T(), errors.As(err, &terr))
	assert.Equal(s.T(), RunnerOffline, terr.LastStatus)
	assert.Greater(s.T(), terr.Attempts, 0)
}

func (s *WatcherSuite) TestZeroTimeoutIsBounded() {
	w := NewWatcher(&fakeSource{}, WatchConfig{}, s.logger)
	assert.Equal(s.T(), DefaultTimeout, w.cfg.Timeout)
}

func (s *WatcherSuite) TestCancelledDuringQuietPeriod() {
	src := &fakeSource{results: []listResult{{}}}
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	w := NewWatcher(src, WatchConfig{QuietPeriod: time.Hour, Timeout: time.Hour}, s.logger)
	_, err := w.WaitForOnline(ctx, "r-1")
	require.Error(s.T(), err)
	assert.True(s.T(), errors.Is(err, context.Canceled))
	assert.Equal(s.T(), 0, src.count())
}
