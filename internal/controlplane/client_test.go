package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/duneflow/uploadengine/internal/store"
	"github.com/duneflow/uploadengine/internal/uploaderrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
}

func testAccelPolicy() AccelerationPolicy {
	return AccelerationPolicy{Enabled: true, MinSizeBytes: 512 * 1024 * 1024}
}

func TestInitiateMultipartUpload_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload/multipart/initiate", r.URL.Path)
		w.Write([]byte(`{"uploadId":"up-1","key":"k/1","content":{"id":"content-1"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	result, err := c.InitiateMultipartUpload(t.Context(), FileMeta{FileName: "a.mp4", FileType: "video/mp4", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, "up-1", result.UploadID)
	assert.Equal(t, "content-1", result.Content.ID)
}

func TestInitiateMultipartUpload_FatalNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	_, err := c.InitiateMultipartUpload(t.Context(), FileMeta{FileName: "a.mp4"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGetSignedURL_RetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"partNumber":1,"signedUrl":"https://bucket.s3.us-east-1.amazonaws.com/key?part=1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	url, err := c.GetSignedURL(t.Context(), 1, "up-1", "key", false)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, url, "part=1")
}

func TestGetSignedURL_ExternalCancellationPropagatesUnchanged(t *testing.T) {
	var once sync.Once
	inFlight := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(inFlight) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, time.Minute, testRetryPolicy(), testAccelPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inFlight
		cancel()
	}()

	_, err := c.GetSignedURL(ctx, 1, "up-1", "key", false)
	require.Error(t, err)
	assert.True(t, uploaderrors.IsCancelled(err))
	assert.False(t, uploaderrors.IsRetryable(err))
}

func TestGetSignedURL_ExhaustsRetriesAndFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	_, err := c.GetSignedURL(t.Context(), 1, "up-1", "key", false)
	require.Error(t, err)
	assert.LessOrEqual(t, calls, testRetryPolicy().Attempts+1)
}

func TestUploadPart_CapturesAndStripsETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	part, err := c.UploadPart(t.Context(), srv.URL, 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", part.ETag)
	assert.Equal(t, int64(5), part.Size)
}

func TestUploadPart_MissingETagIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	_, err := c.UploadPart(t.Context(), srv.URL, 1, []byte("x"))
	require.Error(t, err)
	assert.True(t, uploaderrors.IsProtocol(err))
}

func TestUploadPart_RetryableStatusClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	_, err := c.UploadPart(t.Context(), srv.URL, 1, []byte("x"))
	require.Error(t, err)
	assert.True(t, uploaderrors.IsRetryable(err))
}

func TestListUploadedParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"parts":[{"partNumber":1,"eTag":"e1","size":10},{"partNumber":2,"eTag":"e2","size":20}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testRetryPolicy(), testAccelPolicy())
	parts, err := c.ListUploadedParts(t.Context(), "key", "up-1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, store.Part{PartNumber: 1, ETag: "e1", Size: 10}, parts[0])
}

func TestRewriteForAcceleration(t *testing.T) {
	c := New("http://example.com", time.Second, testRetryPolicy(), testAccelPolicy())
	original := "https://mybucket.s3.us-west-2.amazonaws.com/key?X-Amz=1"

	t.Run("below threshold leaves url unchanged", func(t *testing.T) {
		rewritten := c.RewriteForAcceleration(original, "s3-accelerate.amazonaws.com", 1024)
		assert.Equal(t, original, rewritten)
	})

	t.Run("above threshold rewrites host", func(t *testing.T) {
		rewritten := c.RewriteForAcceleration(original, "s3-accelerate.amazonaws.com", 600*1024*1024)
		assert.Contains(t, rewritten, "s3-accelerate.amazonaws.com")
		assert.NotContains(t, rewritten, "mybucket.s3.us-west-2.amazonaws.com")
	})

	t.Run("no endpoint leaves url unchanged", func(t *testing.T) {
		rewritten := c.RewriteForAcceleration(original, "", 600*1024*1024)
		assert.Equal(t, original, rewritten)
	})

	t.Run("idempotent on already-rewritten url", func(t *testing.T) {
		once := c.RewriteForAcceleration(original, "s3-accelerate.amazonaws.com", 600*1024*1024)
		twice := c.RewriteForAcceleration(once, "s3-accelerate.amazonaws.com", 600*1024*1024)
		assert.Equal(t, once, twice)
	})
}
