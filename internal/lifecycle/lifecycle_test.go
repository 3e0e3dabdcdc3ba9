package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResumer struct {
	mu                          sync.Mutex
	resumeInProgressCalls       int
	resumeInProgressPausedCalls int
}

func (f *fakeResumer) ResumeInProgress() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeInProgressCalls++
}

func (f *fakeResumer) ResumeInProgressAndPaused() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeInProgressPausedCalls++
}

func (f *fakeResumer) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeInProgressCalls, f.resumeInProgressPausedCalls
}

func TestActivate_ResumesInProgressOnly(t *testing.T) {
	r := &fakeResumer{}
	c := New(r, "", 0)

	c.Activate()

	inProgress, inProgressPaused := r.snapshot()
	assert.Equal(t, 1, inProgress)
	assert.Equal(t, 0, inProgressPaused)
}

func TestConnectivityProbe_FirstSuccess_TriggersOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := &fakeResumer{}
	c := New(r, srv.URL, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.RunConnectivityProbe(ctx)

	_, inProgressPaused := r.snapshot()
	assert.GreaterOrEqual(t, inProgressPaused, 1)
}

func TestConnectivityProbe_StaysUnreachable_NeverTriggersOnline(t *testing.T) {
	r := &fakeResumer{}
	c := New(r, "http://127.0.0.1:1", 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	c.RunConnectivityProbe(ctx)

	_, inProgressPaused := r.snapshot()
	assert.Equal(t, 0, inProgressPaused)
}

func TestConnectivityProbe_EmptyURL_NeverProbes(t *testing.T) {
	r := &fakeResumer{}
	c := New(r, "", time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c.RunConnectivityProbe(ctx)

	inProgress, inProgressPaused := r.snapshot()
	assert.Equal(t, 0, inProgress)
	assert.Equal(t, 0, inProgressPaused)
}

type fakeShutter struct {
	called bool
	err    error
}

func (f *fakeShutter) Shutdown(ctx context.Context) error {
	f.called = true
	return f.err
}

func TestShutdown_CancelsRootAndShutsDownSubsystems(t *testing.T) {
	r := &fakeResumer{}
	c := New(r, "", 0)

	_, cancel := context.WithCancel(context.Background())
	cancelled := false
	wrappedCancel := func() {
		cancelled = true
		cancel()
	}

	s1 := &fakeShutter{}
	s2 := &fakeShutter{err: assertErr("boom")}
	c.Shutdown(wrappedCancel, s1, s2, nil)

	assert.True(t, cancelled)
	assert.True(t, s1.called)
	assert.True(t, s2.called)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestNew_NonPositiveInterval_DefaultsApplied(t *testing.T) {
	c := New(&fakeResumer{}, "http://example.test", 0)
	require.Equal(t, 30*time.Second, c.probeInterval)
}
