// Package controlplane is the thin HTTP request layer over the server's
// upload control-plane endpoints (initiate, sign-part, list-parts,
// complete, cancel) and the object store's part PUT endpoint. It
// encapsulates per-request timeout, retry classification, and the decision
// to rewrite part PUT URLs to an acceleration endpoint.
package controlplane

import "github.com/duneflow/uploadengine/internal/store"

// FileMeta describes the file being initiated for multipart upload.
type FileMeta struct {
	FileName        string
	FileType        string
	Size            int64
	Duration        float64
	UseAcceleration bool
}

// InitiateResult is the response to POST /upload/multipart/initiate.
type InitiateResult struct {
	UploadID             string `json:"uploadId"`
	Key                  string `json:"key"`
	Content              struct {
		ID string `json:"id"`
	} `json:"content"`
	AccelerationEndpoint string `json:"accelerationEndpoint,omitempty"`
}

// SignedURLResult is the response to POST /upload/multipart/signed-url.
type SignedURLResult struct {
	PartNumber int    `json:"partNumber"`
	SignedURL  string `json:"signedUrl"`
}

// CompleteResult is the response to POST /upload/multipart/complete.
type CompleteResult struct {
	Location string `json:"location"`
}

// ListPartsResult is the response to POST /upload/multipart/list-parts.
type ListPartsResult struct {
	Parts []store.Part `json:"parts"`
}

type initiateRequest struct {
	FileName        string  `json:"fileName"`
	FileType        string  `json:"fileType"`
	Size            int64   `json:"size"`
	Duration        float64 `json:"duration"`
	UseAcceleration bool    `json:"useAcceleration"`
}

type signedURLRequest struct {
	PartNumber      int    `json:"partNumber"`
	UploadID        string `json:"uploadId"`
	Key             string `json:"key"`
	UseAcceleration bool   `json:"useAcceleration"`
}

type completeRequest struct {
	Key             string       `json:"key"`
	UploadID        string       `json:"uploadId"`
	ContentID       string       `json:"contentId"`
	Parts           []store.Part `json:"parts"`
	UseAcceleration bool         `json:"useAcceleration"`
}

type cancelRequest struct {
	Key             string `json:"key"`
	UploadID        string `json:"uploadId"`
	ContentID       string `json:"contentId"`
	UseAcceleration bool   `json:"useAcceleration"`
}

type listPartsRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}
