package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/duneflow/uploadengine/internal/bus"
	"github.com/duneflow/uploadengine/internal/controlplane"
	"github.com/duneflow/uploadengine/internal/store"
	"github.com/duneflow/uploadengine/internal/uploaderrors"
)

// fakeSink records every broadcast event for assertions, matching the
// bus.Hub's Broadcast signature without standing up a real websocket hub.
type fakeSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *fakeSink) Broadcast(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) all() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Event(nil), s.events...)
}

func (s *fakeSink) ofType(t bus.EventType) []bus.Event {
	var out []bus.Event
	for _, e := range s.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeControlPlane is a fully in-memory stand-in for *controlplane.Client,
// configurable per-test to fail specific part numbers a fixed number of
// times before succeeding, or to fail terminally.
type fakeControlPlane struct {
	mu sync.Mutex

	initiateErr error
	completeErr error
	listParts   []store.Part
	listErr     error

	// failPartsUntilAttempt[n] = number of times part n should fail
	// (retryably) before succeeding.
	failPartsUntilAttempt map[int]int
	fatalPart             int
	attempts              map[int]int

	completed []store.Part
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		failPartsUntilAttempt: map[int]int{},
		attempts:              map[int]int{},
	}
}

func (f *fakeControlPlane) InitiateMultipartUpload(ctx context.Context, meta controlplane.FileMeta) (*controlplane.InitiateResult, error) {
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	res := &controlplane.InitiateResult{UploadID: "up-1", Key: "key-1"}
	res.Content.ID = "content-1"
	return res, nil
}

func (f *fakeControlPlane) GetSignedURL(ctx context.Context, partNumber int, uploadID, key string, useAcceleration bool) (string, error) {
	return fmt.Sprintf("https://example.test/bucket/%s.s3.us-east-1.amazonaws.com/part-%d", key, partNumber), nil
}

func (f *fakeControlPlane) UploadPart(ctx context.Context, signedURL string, partNumber int, data []byte) (store.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[partNumber]++
	if partNumber == f.fatalPart {
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Fatal("simulated fatal part failure", nil), partNumber)
	}
	if remaining := f.failPartsUntilAttempt[partNumber]; remaining > 0 {
		f.failPartsUntilAttempt[partNumber] = remaining - 1
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Retryable("simulated transient failure", nil), partNumber)
	}

	part := store.Part{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber), Size: int64(len(data))}
	f.completed = append(f.completed, part)
	return part, nil
}

func (f *fakeControlPlane) CompleteMultipartUpload(ctx context.Context, key, uploadID, contentID string, parts []store.Part, useAcceleration bool) (*controlplane.CompleteResult, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &controlplane.CompleteResult{Location: "https://example.test/final/" + key}, nil
}

func (f *fakeControlPlane) CancelUpload(ctx context.Context, key, uploadID, contentID string, useAcceleration bool) error {
	return nil
}

func (f *fakeControlPlane) ListUploadedParts(ctx context.Context, key, uploadID string) ([]store.Part, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listParts, nil
}

func (f *fakeControlPlane) RewriteForAcceleration(signedURL, endpoint string, fileSize int64) string {
	return signedURL
}

// fakeSource is an in-memory Source over a byte slice, for tests that don't
// want to touch the filesystem.
type fakeSource struct {
	data []byte
}

func (s *fakeSource) ReadRange(offset, length int64) ([]byte, error) {
	end := offset + length
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return append([]byte(nil), s.data[offset:end]...), nil
}

func (s *fakeSource) Close() error { return nil }

type fakeOpener struct {
	data []byte
	err  error
}

func (o fakeOpener) Open(path string) (Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	return &fakeSource{data: o.data}, nil
}
