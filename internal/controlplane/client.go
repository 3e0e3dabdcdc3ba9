package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/duneflow/uploadengine/internal/store"
	"github.com/duneflow/uploadengine/internal/uploaderrors"
	"github.com/google/uuid"
)

// RetryPolicy configures the control-plane client's internal retry/backoff.
type RetryPolicy struct {
	Attempts     int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// AccelerationPolicy configures S3 transfer-acceleration URL rewriting.
type AccelerationPolicy struct {
	Enabled      bool
	MinSizeBytes int64
}

// Client is the HTTP request layer over the server's multipart control
// plane and the object store's part PUT endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retry       RetryPolicy
	accelerate  AccelerationPolicy
	timeout     time.Duration
}

// New constructs a Client against baseURL with the given per-request
// timeout, retry policy, and acceleration policy.
func New(baseURL string, timeout time.Duration, retry RetryPolicy, accel AccelerationPolicy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		retry:      retry,
		accelerate: accel,
		timeout:    timeout,
	}
}

var retryableStatusCodes = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// IsRetryableStatus reports whether an HTTP status code is in the
// retry-eligible set.
func IsRetryableStatus(code int) bool {
	return retryableStatusCodes[code]
}

// backOff builds a cenkalti/backoff/v4 exponential backoff: min(1000*2^attempt,
// 30000)ms, with the configured jitter.
func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retry.BaseDelay
	eb.MaxInterval = c.retry.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = c.retry.JitterFactor
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retry.Attempts)), ctx)
}

// doJSON executes one POST request with a fresh per-request timeout. No
// internal retry: callers decide whether to wrap with retryWithBackoff.
func (c *Client) doJSON(ctx context.Context, path string, reqBody, respOut interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return uploaderrors.Fatal("failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return uploaderrors.Fatal("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return uploaderrors.Cancelled("request cancelled", err)
		}
		if ctx.Err() != nil {
			return uploaderrors.Retryable("request timed out", err)
		}
		return uploaderrors.Retryable("transport error", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return uploaderrors.Retryable("failed reading response body", err)
	}

	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("%s returned status %d", path, resp.StatusCode)
		if IsRetryableStatus(resp.StatusCode) {
			return uploaderrors.Retryable(msg, fmt.Errorf("%s", string(data)))
		}
		return uploaderrors.Fatal(msg, fmt.Errorf("%s", string(data)))
	}

	if respOut == nil {
		return nil
	}
	if err := json.Unmarshal(data, respOut); err != nil {
		return uploaderrors.Protocol("malformed response body", err)
	}
	return nil
}

// retryWithBackoff wraps op with bounded exponential backoff for
// Retryable-classified control-plane operations (GetSignedURL,
// ListUploadedParts, CancelUpload).
func (c *Client) retryWithBackoff(ctx context.Context, op func() error) error {
	attempt := 0
	notify := func(err error, delay time.Duration) {
		attempt++
		obslog.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Control-plane request failed, retrying")
	}
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if uploaderrors.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.RetryNotify(wrapped, c.backOff(ctx), notify)
}

// InitiateMultipartUpload starts a new upload session. Fatal on failure: no
// internal retry.
func (c *Client) InitiateMultipartUpload(ctx context.Context, meta FileMeta) (*InitiateResult, error) {
	req := initiateRequest{
		FileName:        meta.FileName,
		FileType:        meta.FileType,
		Size:            meta.Size,
		Duration:        meta.Duration,
		UseAcceleration: meta.UseAcceleration,
	}
	var result InitiateResult
	if err := c.doJSON(ctx, "/upload/multipart/initiate", req, &result); err != nil {
		return nil, uploaderrors.Wrap(err, "initiate multipart upload")
	}
	return &result, nil
}

// GetSignedURL requests a pre-signed PUT URL for one part. Retryable.
func (c *Client) GetSignedURL(ctx context.Context, partNumber int, uploadID, key string, useAcceleration bool) (string, error) {
	req := signedURLRequest{PartNumber: partNumber, UploadID: uploadID, Key: key, UseAcceleration: useAcceleration}
	var result SignedURLResult
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, "/upload/multipart/signed-url", req, &result)
	})
	if err != nil {
		return "", uploaderrors.WithPart(uploaderrors.Wrap(err, "get signed url"), partNumber)
	}
	return result.SignedURL, nil
}

// UploadPart PUTs chunk bytes to the (possibly accelerated) signed URL and
// returns the accepted part. Single attempt: the Upload Engine's
// part-driving loop owns retry/backoff so it can emit RETRYING_CHUNK
// events between attempts.
func (c *Client) UploadPart(ctx context.Context, signedURL string, partNumber int, data []byte) (store.Part, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(data))
	if err != nil {
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Fatal("failed to build part PUT request", err), partNumber)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return store.Part{}, uploaderrors.Cancelled("part upload cancelled", err)
		}
		if ctx.Err() != nil {
			return store.Part{}, uploaderrors.WithPart(uploaderrors.Retryable("part upload timed out", err), partNumber)
		}
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Retryable("part upload transport error", err), partNumber)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("part upload returned status %d", resp.StatusCode)
		if IsRetryableStatus(resp.StatusCode) {
			return store.Part{}, uploaderrors.WithPart(uploaderrors.Retryable(msg, nil), partNumber)
		}
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Fatal(msg, nil), partNumber)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Protocol("missing ETag in part upload response", nil), partNumber)
	}
	etag = strings.Trim(etag, `"`)

	return store.Part{PartNumber: partNumber, ETag: etag, Size: int64(len(data))}, nil
}

// CompleteMultipartUpload finalizes the upload. Fatal on failure: no
// internal retry, since the engine's reconcile-on-resume path handles
// re-attempting completion after a failed complete.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID, contentID string, parts []store.Part, useAcceleration bool) (*CompleteResult, error) {
	req := completeRequest{Key: key, UploadID: uploadID, ContentID: contentID, Parts: parts, UseAcceleration: useAcceleration}
	var result CompleteResult
	if err := c.doJSON(ctx, "/upload/multipart/complete", req, &result); err != nil {
		return nil, uploaderrors.Wrap(err, "complete multipart upload")
	}
	return &result, nil
}

// CancelUpload aborts the upload server-side. Retryable, but callers treat
// its failure as best-effort.
func (c *Client) CancelUpload(ctx context.Context, key, uploadID, contentID string, useAcceleration bool) error {
	req := cancelRequest{Key: key, UploadID: uploadID, ContentID: contentID, UseAcceleration: useAcceleration}
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, "/upload/multipart/cancel", req, nil)
	})
	if err != nil {
		return uploaderrors.Wrap(err, "cancel upload")
	}
	return nil
}

// ListUploadedParts returns the parts the server has accepted. Retryable.
func (c *Client) ListUploadedParts(ctx context.Context, key, uploadID string) ([]store.Part, error) {
	req := listPartsRequest{Key: key, UploadID: uploadID}
	var result ListPartsResult
	err := c.retryWithBackoff(ctx, func() error {
		return c.doJSON(ctx, "/upload/multipart/list-parts", req, &result)
	})
	if err != nil {
		return nil, uploaderrors.Wrap(err, "list uploaded parts")
	}
	return result.Parts, nil
}

// RewriteForAcceleration substitutes the standard .s3.<region>.amazonaws.com
// host component of signedURL with endpoint, iff fileSize meets the
// acceleration threshold and acceleration is enabled. It is idempotent: a
// URL already targeting endpoint is returned unchanged.
func (c *Client) RewriteForAcceleration(signedURL, endpoint string, fileSize int64) string {
	if endpoint == "" || !c.accelerate.Enabled || fileSize < c.accelerate.MinSizeBytes {
		return signedURL
	}
	u, err := url.Parse(signedURL)
	if err != nil {
		return signedURL
	}
	if u.Host == endpoint {
		return signedURL
	}
	if idx := strings.Index(u.Host, ".s3."); idx >= 0 {
		if amzIdx := strings.Index(u.Host, ".amazonaws.com"); amzIdx > idx {
			u.Host = endpoint
			return u.String()
		}
	}
	return signedURL
}
