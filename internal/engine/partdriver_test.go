package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/duneflow/uploadengine/internal/bus"
	"github.com/duneflow/uploadengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDriveTestEngine(t *testing.T, cp *fakeControlPlane, opener SourceOpener) (*Engine, *store.Store, *fakeSink) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sink := &fakeSink{}
	cfg := Config{
		PartSize:             10,
		MaxConcurrentUploads: 2,
		Retry:                RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	return New(context.Background(), st, cp, sink, opener, cfg), st, sink
}

func TestDriveUpload_TransientFailure_RetriesThenSucceeds(t *testing.T) {
	cp := newFakeControlPlane()
	cp.failPartsUntilAttempt[2] = 2

	e, st, sink := newDriveTestEngine(t, cp, fakeOpener{data: make([]byte, 25)})

	state := &store.UploadState{
		ContentID: "c1", UploadID: "u1", Key: "k1", FilePath: "/tmp/x.bin",
		FileSize: 25, PartSize: 10, MaxConcurrentUploads: 2,
		Status: store.StatusInProgress, StartTime: time.Now(),
	}
	require.NoError(t, st.SaveUploadState(state))

	au := &ActiveUpload{State: state, retry: e.cfg.Retry}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	au.cancel = cancel

	e.driveUpload(ctx, au, "")

	require.Len(t, sink.ofType(bus.EventUploadComplete), 1)
	assert.GreaterOrEqual(t, len(sink.ofType(bus.EventRetryingChunk)), 1)

	final, err := st.LoadUploadState("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, int64(25), final.CompletedBytes())
}

func TestDriveUpload_FatalPartFailure_TransitionsToError(t *testing.T) {
	cp := newFakeControlPlane()
	cp.fatalPart = 2

	e, st, sink := newDriveTestEngine(t, cp, fakeOpener{data: make([]byte, 25)})

	state := &store.UploadState{
		ContentID: "c2", UploadID: "u2", Key: "k2", FilePath: "/tmp/y.bin",
		FileSize: 25, PartSize: 10, MaxConcurrentUploads: 2,
		Status: store.StatusInProgress, StartTime: time.Now(),
	}
	require.NoError(t, st.SaveUploadState(state))

	au := &ActiveUpload{State: state, retry: e.cfg.Retry}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	au.cancel = cancel

	e.reg.Put("c2", au)
	e.driveUpload(ctx, au, "")

	require.Len(t, sink.ofType(bus.EventUploadError), 1)
	assert.Equal(t, 0, e.reg.Len())

	final, err := st.LoadUploadState("c2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestDriveUpload_MissingSource_PausesWithExplanation(t *testing.T) {
	cp := newFakeControlPlane()
	e, st, sink := newDriveTestEngine(t, cp, fakeOpener{err: errors.New("no such file or directory")})

	state := &store.UploadState{
		ContentID: "c3", UploadID: "u3", Key: "k3", FilePath: "/tmp/gone.bin",
		FileSize: 25, PartSize: 10, MaxConcurrentUploads: 2,
		Status: store.StatusInProgress, StartTime: time.Now(),
	}
	require.NoError(t, st.SaveUploadState(state))

	au := &ActiveUpload{State: state, retry: e.cfg.Retry}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	au.cancel = cancel

	e.reg.Put("c3", au)
	e.driveUpload(ctx, au, "")

	require.Len(t, sink.ofType(bus.EventUploadPaused), 1)
	assert.Equal(t, 0, e.reg.Len())

	final, err := st.LoadUploadState("c3")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, final.Status)
	assert.Contains(t, final.Error, "source file unavailable")
}

func TestDriveUpload_ReconcileUnionsServerAndLocalParts(t *testing.T) {
	cp := newFakeControlPlane()
	cp.listParts = []store.Part{{PartNumber: 1, ETag: "server-etag-1", Size: 10}}

	e, st, sink := newDriveTestEngine(t, cp, fakeOpener{data: make([]byte, 25)})

	state := &store.UploadState{
		ContentID: "c4", UploadID: "u4", Key: "k4", FilePath: "/tmp/z.bin",
		FileSize: 25, PartSize: 10, MaxConcurrentUploads: 2,
		Status: store.StatusInProgress, StartTime: time.Now(),
		Parts: []store.Part{{PartNumber: 2, ETag: "local-etag-2", Size: 10}},
	}
	require.NoError(t, st.SaveUploadState(state))

	au := &ActiveUpload{State: state, retry: e.cfg.Retry}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	au.cancel = cancel

	e.driveUpload(ctx, au, "")

	require.Len(t, sink.ofType(bus.EventUploadComplete), 1)

	final, err := st.LoadUploadState("c4")
	require.NoError(t, err)
	require.Len(t, final.Parts, 3)
	assert.Equal(t, 1, cp.attempts[3])
	assert.Equal(t, 0, cp.attempts[1])
	assert.Equal(t, 0, cp.attempts[2])
}
