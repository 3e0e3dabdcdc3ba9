package store

import "time"

// Status is the lifecycle state of an upload.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
	StatusNotFound   Status = "not_found"
)

// Part records one successfully uploaded multipart segment.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
	Size       int64  `json:"size"`
}

// UploadState is the durable record for one upload, keyed by ContentID.
type UploadState struct {
	ContentID            string    `json:"contentId"`
	UploadID             string    `json:"uploadId"`
	Key                  string    `json:"key"`
	FilePath             string    `json:"filePath"`
	FileName             string    `json:"fileName"`
	FileSize             int64     `json:"fileSize"`
	FileType             string    `json:"fileType"`
	PartSize             int64     `json:"partSize"`
	MaxConcurrentUploads int       `json:"maxConcurrentUploads"`
	Parts                []Part    `json:"parts"`
	Progress             int       `json:"progress"`
	Status               Status    `json:"status"`
	StartTime            time.Time `json:"startTime"`
	Accelerated          bool      `json:"accelerated"`
	AccelerationEndpoint string    `json:"accelerationEndpoint,omitempty"`
	FileURL              string    `json:"fileUrl,omitempty"`
	Error                string    `json:"error,omitempty"`
}

// TotalParts returns ceil(FileSize / PartSize).
func (s *UploadState) TotalParts() int {
	if s.PartSize <= 0 {
		return 0
	}
	total := s.FileSize / s.PartSize
	if s.FileSize%s.PartSize != 0 {
		total++
	}
	return int(total)
}

// CompletedBytes sums the recorded size of every completed part. This is
// deliberately not completedParts*PartSize, which overcounts whenever the
// final part is shorter than PartSize.
func (s *UploadState) CompletedBytes() int64 {
	var total int64
	for _, p := range s.Parts {
		total += p.Size
	}
	return total
}

// HasPart reports whether partNumber is already recorded as complete.
func (s *UploadState) HasPart(partNumber int) bool {
	for _, p := range s.Parts {
		if p.PartNumber == partNumber {
			return true
		}
	}
	return false
}

// UploadChunk persists queued-but-not-yet-uploaded part bytes for uploads
// whose source data arrives over the message bus rather than from a local
// file path. Not needed when FilePath is reopenable at resume time.
type UploadChunk struct {
	ID          string    `json:"id"`
	UploadID    string    `json:"uploadId"`
	PartNumber  int       `json:"partNumber"`
	Size        int64     `json:"size"`
	Data        []byte    `json:"data"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"lastAttempt"`
	Error       string    `json:"error,omitempty"`
}
