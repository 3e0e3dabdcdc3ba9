package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duneflow/uploadengine/internal/bus"
	"github.com/duneflow/uploadengine/internal/controlplane"
	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/duneflow/uploadengine/internal/store"
	"github.com/duneflow/uploadengine/internal/uploaderrors"
)

// RetryPolicy is the per-part retry/backoff policy the part-driving loop
// applies on its own, independent of the Control-Plane Client's internal
// retry for the other (non-PUT) operations. The engine owns the
// sleep-and-retry loop itself because it must emit a RETRYING_CHUNK event
// between attempts.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NextDelay returns the delay before the next attempt:
// min(base*2^attempt, max), where attempt is the zero-based index of the
// attempt that just failed (0 after the first failure, giving base).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Config bundles the Engine's tunables, sourced from engineconfig.Config.
type Config struct {
	PartSize             int64
	MaxConcurrentUploads int
	MaxFileSize          int64
	AllowedFileTypes     []string
	Retry                RetryPolicy
	AccelerationEnabled  bool
	AccelerationMinSize  int64
}

// admit rejects a START_UPLOAD before any network work when the file
// exceeds the size ceiling or carries a type outside the allowed set. An
// empty allow-list admits every type.
func (c Config) admit(fileSize int64, fileType string) error {
	if c.MaxFileSize > 0 && fileSize > c.MaxFileSize {
		return uploaderrors.Fatal(fmt.Sprintf("file size %d exceeds the %d byte limit", fileSize, c.MaxFileSize), nil)
	}
	if len(c.AllowedFileTypes) == 0 {
		return nil
	}
	for _, t := range c.AllowedFileTypes {
		if t == fileType {
			return nil
		}
	}
	return uploaderrors.Fatal(fmt.Sprintf("file type %q is not allowed", fileType), nil)
}

// EventSink is the subset of *bus.Hub the Engine needs: broadcasting
// outbound events to every connected client.
type EventSink interface {
	Broadcast(bus.Event)
}

// ControlPlane is the subset of *controlplane.Client the Engine drives
// against. Abstracted for testability.
type ControlPlane interface {
	InitiateMultipartUpload(ctx context.Context, meta controlplane.FileMeta) (*controlplane.InitiateResult, error)
	GetSignedURL(ctx context.Context, partNumber int, uploadID, key string, useAcceleration bool) (string, error)
	UploadPart(ctx context.Context, signedURL string, partNumber int, data []byte) (store.Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID, contentID string, parts []store.Part, useAcceleration bool) (*controlplane.CompleteResult, error)
	CancelUpload(ctx context.Context, key, uploadID, contentID string, useAcceleration bool) error
	ListUploadedParts(ctx context.Context, key, uploadID string) ([]store.Part, error)
	RewriteForAcceleration(signedURL, endpoint string, fileSize int64) string
}

// SourceOpener opens a local file for random-access slicing by byte range.
// Abstracted so tests can substitute an in-memory source.
type SourceOpener interface {
	Open(path string) (Source, error)
}

// Source is a random-access byte source for one part's range.
type Source interface {
	ReadRange(offset, length int64) ([]byte, error)
	Close() error
}

// Engine owns the in-memory registry of active uploads and drives the
// multipart upload state machine: registry bookkeeping, bounded
// concurrency, cold-start hydration, and per-upload chunked PUT loop with
// checkpointing and recovery.
type Engine struct {
	store    *store.Store
	cp       ControlPlane
	bus      EventSink
	opener   SourceOpener
	cfg      Config
	reg      *registry
	rootCtx  context.Context
}

// New constructs an Engine. rootCtx is the parent of every per-upload
// cancel token.
func New(rootCtx context.Context, st *store.Store, cp ControlPlane, sink EventSink, opener SourceOpener, cfg Config) *Engine {
	return &Engine{
		store:   st,
		cp:      cp,
		bus:     sink,
		opener:  opener,
		cfg:     cfg,
		reg:     newRegistry(),
		rootCtx: rootCtx,
	}
}

// ActiveCount returns the number of uploads currently in the in-memory
// registry.
func (e *Engine) ActiveCount() int {
	return e.reg.Len()
}

// HandleCommand implements bus.Handler, routing each inbound command to its
// handler. Exhaustive over bus.CommandType: the hub has already dropped
// anything not in its known-commands set before this is reached.
func (e *Engine) HandleCommand(ctx context.Context, cmd bus.Command) {
	switch cmd.Type {
	case bus.CommandStartUpload:
		var p bus.StartUploadPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.logError("malformed START_UPLOAD payload", err)
			return
		}
		e.startUpload(ctx, p)

	case bus.CommandResumeUpload:
		var p bus.ContentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.logError("malformed RESUME_UPLOAD payload", err)
			return
		}
		e.resumeUpload(p.ContentID)

	case bus.CommandPauseUpload:
		var p bus.ContentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.logError("malformed PAUSE_UPLOAD payload", err)
			return
		}
		e.pauseUpload(p.ContentID)

	case bus.CommandCancelUpload:
		var p bus.ContentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.logError("malformed CANCEL_UPLOAD payload", err)
			return
		}
		e.cancelUpload(ctx, p.ContentID)

	case bus.CommandGetUploadStatus:
		var p bus.ContentIDPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.logError("malformed GET_UPLOAD_STATUS payload", err)
			return
		}
		e.getUploadStatus(p.ContentID)

	case bus.CommandGetActiveUploads:
		e.getActiveUploads()

	case bus.CommandHeartbeat:
		// no-op: presence ping only.

	default:
		obslog.Warn().Str("type", string(cmd.Type)).Msg("Unhandled command type reached engine dispatch")
	}
}

func (e *Engine) logError(msg string, err error) {
	obslog.Error().Err(err).Msg(msg)
	e.bus.Broadcast(bus.Event{Type: bus.EventLog, Data: bus.LogData{Level: "error", Message: msg}})
}

// startUpload handles START_UPLOAD.
func (e *Engine) startUpload(ctx context.Context, p bus.StartUploadPayload) {
	if err := e.cfg.admit(p.FileSize, p.FileType); err != nil {
		obslog.Warn().Err(err).Str("filePath", p.FilePath).Msg("Upload rejected at admission")
		e.bus.Broadcast(bus.Event{
			Type: bus.EventUploadError,
			Data: bus.UploadErrorData{Message: err.Error(), Retryable: false},
		})
		return
	}

	partSize := e.cfg.PartSize
	maxConcurrent := e.cfg.MaxConcurrentUploads
	if p.ChunkConfig != nil {
		if p.ChunkConfig.PartSize != nil {
			partSize = *p.ChunkConfig.PartSize
		}
		if p.ChunkConfig.MaxConcurrentUploads != nil {
			maxConcurrent = *p.ChunkConfig.MaxConcurrentUploads
		}
	}

	retryPolicy := e.cfg.Retry
	if p.RetryConfig != nil {
		if p.RetryConfig.Attempts != nil {
			retryPolicy.Attempts = *p.RetryConfig.Attempts
		}
		if p.RetryConfig.DelayMS != nil {
			retryPolicy.BaseDelay = time.Duration(*p.RetryConfig.DelayMS) * time.Millisecond
		}
		if p.RetryConfig.MaxDelayMS != nil {
			retryPolicy.MaxDelay = time.Duration(*p.RetryConfig.MaxDelayMS) * time.Millisecond
		}
	}

	useAcceleration := e.cfg.AccelerationEnabled && p.FileSize >= e.cfg.AccelerationMinSize

	result, err := e.cp.InitiateMultipartUpload(ctx, controlplane.FileMeta{
		FileName:        filePathBase(p.FilePath),
		FileType:        p.FileType,
		Size:            p.FileSize,
		Duration:        p.Duration,
		UseAcceleration: useAcceleration,
	})
	if err != nil {
		obslog.Error().Err(err).Str("filePath", p.FilePath).Msg("Failed to initiate multipart upload")
		e.bus.Broadcast(bus.Event{
			Type: bus.EventUploadError,
			Data: bus.UploadErrorData{Message: err.Error(), Retryable: false},
		})
		return
	}

	contentID := result.Content.ID
	accelerated := result.AccelerationEndpoint != "" && useAcceleration

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventInitiateUploadResponse,
		ContentID: contentID,
		Data:      bus.InitiateUploadResponseData{UploadID: result.UploadID, Key: result.Key},
	})

	state := &store.UploadState{
		ContentID:            contentID,
		UploadID:             result.UploadID,
		Key:                  result.Key,
		FilePath:             p.FilePath,
		FileName:             filePathBase(p.FilePath),
		FileSize:             p.FileSize,
		FileType:             p.FileType,
		PartSize:             partSize,
		MaxConcurrentUploads: maxConcurrent,
		Status:               store.StatusInProgress,
		StartTime:            time.Now(),
		Accelerated:          accelerated,
		AccelerationEndpoint: result.AccelerationEndpoint,
	}

	au := &ActiveUpload{State: state, retry: retryPolicy}
	ctx2, cancel := context.WithCancel(e.rootCtx)
	au.cancel = cancel
	e.reg.Put(contentID, au)

	if err := e.store.SaveUploadState(state); err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to persist new upload state")
	}

	go e.driveUpload(ctx2, au, result.AccelerationEndpoint)
}

// resumeUpload handles RESUME_UPLOAD. The resumed
// upload's part-driving loop runs under its own cancel context derived
// from the engine's root context, independent of whatever request
// triggered the resume.
func (e *Engine) resumeUpload(contentID string) {
	if _, exists := e.reg.Get(contentID); exists {
		return
	}

	state, err := e.store.LoadUploadState(contentID)
	if err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to load upload state for resume")
		return
	}
	if state == nil {
		e.bus.Broadcast(bus.Event{
			Type:      bus.EventUploadError,
			ContentID: contentID,
			Data:      bus.UploadErrorData{Message: "upload not found", Retryable: false},
		})
		return
	}

	state.Status = store.StatusInProgress
	state.Error = ""
	if err := e.store.SaveUploadState(state); err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to persist resumed upload state")
	}

	au := &ActiveUpload{State: state, retry: e.cfg.Retry}
	ctx2, cancel := context.WithCancel(e.rootCtx)
	au.cancel = cancel
	e.reg.Put(contentID, au)

	go e.driveUpload(ctx2, au, state.AccelerationEndpoint)
}

// pauseUpload handles PAUSE_UPLOAD.
func (e *Engine) pauseUpload(contentID string) {
	au, exists := e.reg.Get(contentID)
	if !exists {
		return
	}
	au.Cancel()

	var snapshot store.UploadState
	_ = au.WithState(func(s *store.UploadState) error {
		s.Status = store.StatusPaused
		snapshot = *s
		return nil
	})
	if err := e.store.SaveUploadState(&snapshot); err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to persist paused upload state")
	}
	e.reg.Remove(contentID)

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadPaused,
		ContentID: contentID,
		Data:      bus.UploadStatusData{Status: string(store.StatusPaused), Progress: snapshot.Progress},
	})
}

// cancelUpload handles CANCEL_UPLOAD.
func (e *Engine) cancelUpload(ctx context.Context, contentID string) {
	var uploadID, key string
	accelerated := false

	au, exists := e.reg.Get(contentID)
	if exists {
		au.Cancel()
		_ = au.WithState(func(s *store.UploadState) error {
			uploadID, key = s.UploadID, s.Key
			accelerated = s.Accelerated
			return nil
		})
		e.reg.Remove(contentID)
	} else if state, err := e.store.LoadUploadState(contentID); err == nil && state != nil {
		uploadID, key = state.UploadID, state.Key
		accelerated = state.Accelerated
	}

	if err := e.store.DeleteUploadState(contentID); err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to delete persisted upload state on cancel")
	}
	if err := e.store.DeleteChunks(uploadID); err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to delete persisted chunks on cancel")
	}

	if uploadID != "" {
		if err := e.cp.CancelUpload(ctx, key, uploadID, contentID, accelerated); err != nil {
			obslog.Warn().Err(err).ContentID(contentID).Msg("Server-side cancel failed; local teardown proceeds")
		}
	}

	e.bus.Broadcast(bus.Event{Type: bus.EventUploadCancelled, ContentID: contentID})
}

// getUploadStatus handles GET_UPLOAD_STATUS.
func (e *Engine) getUploadStatus(contentID string) {
	state, err := e.store.LoadUploadState(contentID)
	if err != nil {
		obslog.Error().Err(err).ContentID(contentID).Msg("Failed to load upload state")
		state = nil
	}
	if state == nil {
		e.bus.Broadcast(bus.Event{
			Type:      bus.EventUploadStatus,
			ContentID: contentID,
			Data:      bus.UploadStatusData{Status: string(store.StatusNotFound)},
		})
		return
	}
	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadStatus,
		ContentID: contentID,
		Data:      bus.UploadStatusData{Status: string(state.Status), Progress: state.Progress},
	})
}

// getActiveUploads handles GET_ACTIVE_UPLOADS: schedules
// a resume for every persisted in_progress/paused record, emits its
// per-upload status, and broadcasts one aggregate UPLOADS_UPDATE so a
// client can refresh its whole list without reassembling it from the
// individual statuses.
func (e *Engine) getActiveUploads() {
	states, err := e.store.LoadAllUploadStates()
	if err != nil {
		obslog.Error().Err(err).Msg("Failed to load upload states for GET_ACTIVE_UPLOADS")
		return
	}
	var summaries []bus.UploadSummary
	for _, s := range states {
		if s.Status == store.StatusInProgress || s.Status == store.StatusPaused {
			e.resumeUpload(s.ContentID)
			e.bus.Broadcast(bus.Event{
				Type:      bus.EventUploadStatus,
				ContentID: s.ContentID,
				Data:      bus.UploadStatusData{Status: string(s.Status), Progress: s.Progress},
			})
			summaries = append(summaries, bus.UploadSummary{ContentID: s.ContentID, Status: string(s.Status), Progress: s.Progress})
		}
	}
	e.bus.Broadcast(bus.Event{
		Type: bus.EventUploadsUpdate,
		Data: bus.UploadsUpdateData{Uploads: summaries},
	})
}

// ResumeInProgress resumes every persisted record whose status is
// in_progress. Used by the Lifecycle Controller's activate hook:
// resuming is idempotent through the in-memory registry guard in
// resumeUpload, so calling this more than once is harmless.
func (e *Engine) ResumeInProgress() {
	states, err := e.store.LoadAllUploadStates()
	if err != nil {
		obslog.Error().Err(err).Msg("Failed to load upload states on activate")
		return
	}
	for _, s := range states {
		if s.Status == store.StatusInProgress {
			e.resumeUpload(s.ContentID)
		}
	}
}

// ResumeInProgressAndPaused resumes every persisted record whose status is
// in_progress or paused. Used by the Lifecycle Controller's online hook.
func (e *Engine) ResumeInProgressAndPaused() {
	states, err := e.store.LoadAllUploadStates()
	if err != nil {
		obslog.Error().Err(err).Msg("Failed to load upload states on network-online")
		return
	}
	for _, s := range states {
		if s.Status == store.StatusInProgress || s.Status == store.StatusPaused {
			e.resumeUpload(s.ContentID)
		}
	}
}

func filePathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
