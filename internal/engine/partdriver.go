package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duneflow/uploadengine/internal/bus"
	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/duneflow/uploadengine/internal/store"
	"github.com/duneflow/uploadengine/internal/uploaderrors"
)

// driveUpload runs the full part-driving algorithm for one active
// upload: reconcile against the control plane's view of uploaded parts,
// PUT every outstanding part with bounded concurrency and per-part retry,
// then finalize. It owns the upload's lifetime from in_progress to a
// terminal (or semi-terminal error/paused) state and removes the upload
// from the registry before returning, except when ctx was cancelled
// externally: then the pause/cancel handler has already removed it.
func (e *Engine) driveUpload(ctx context.Context, au *ActiveUpload, accelerationEndpoint string) {
	snap := au.Snapshot()

	source, err := e.opener.Open(snap.FilePath)
	if err != nil {
		// The source path is gone or unreadable on resume. Mark paused (not
		// silently dropped, not retried against a nonexistent file) rather
		// than erroring out.
		e.pauseForMissingSource(&snap, err)
		e.reg.Remove(snap.ContentID)
		return
	}
	defer source.Close()

	totalParts := snap.TotalParts()
	completed, err := e.reconcile(ctx, &snap)
	if err != nil {
		obslog.Warn().Err(err).ContentID(snap.ContentID).Msg("Reconcile with control plane failed, falling back to local part list")
	}

	// The merged part list is the authoritative starting point: fold it
	// back into the live state so later checkpoints and the final complete
	// call include parts only the server knew about.
	_ = au.WithState(func(s *store.UploadState) error {
		s.Parts = append([]store.Part(nil), snap.Parts...)
		return nil
	})

	type job struct{ partNumber int }
	var pending []job
	for n := 1; n <= totalParts; n++ {
		if !completed[n] {
			pending = append(pending, job{partNumber: n})
		}
	}

	if len(pending) == 0 {
		e.finalize(ctx, au)
		return
	}

	abortCtx, abort := context.WithCancel(ctx)
	defer abort()

	var failOnce sync.Once
	var failErr error
	reportFatal := func(err error) {
		failOnce.Do(func() {
			failErr = err
			abort()
		})
	}

	sem := make(chan struct{}, max(1, snap.MaxConcurrentUploads))
	var wg sync.WaitGroup
	var inFlight atomic.Int32
	speed := newSpeedTracker()
	var speedMu sync.Mutex

	for _, j := range pending {
		if abortCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(partNumber int) {
			defer wg.Done()
			defer func() { <-sem }()

			if abortCtx.Err() != nil {
				return
			}

			inFlight.Add(1)
			part, err := e.uploadOnePart(abortCtx, au, source, &snap, partNumber, accelerationEndpoint)
			connections := int(inFlight.Add(-1)) + 1
			if err != nil {
				if uploaderrors.IsCancelled(err) {
					return
				}
				reportFatal(err)
				return
			}

			e.recordPartComplete(au, part, connections, &speedMu, speed)
		}(j.partNumber)
	}
	wg.Wait()

	if failErr != nil {
		e.failUpload(au, failErr)
		return
	}
	if ctx.Err() != nil {
		// Cancelled/paused externally; the command handler already
		// persisted and removed the registry entry.
		return
	}

	e.finalize(ctx, au)
}

// reconcile computes the authoritative completed-part set as the union of
// the server's list and the locally persisted parts. On failure, falls
// back to the local list alone.
func (e *Engine) reconcile(ctx context.Context, snap *store.UploadState) (map[int]bool, error) {
	completed := make(map[int]bool)
	for _, p := range snap.Parts {
		completed[p.PartNumber] = true
	}

	serverParts, err := e.cp.ListUploadedParts(ctx, snap.Key, snap.UploadID)
	if err != nil {
		return completed, err
	}

	merged := make(map[int]store.Part, len(snap.Parts))
	for _, p := range snap.Parts {
		merged[p.PartNumber] = p
	}
	for _, p := range serverParts {
		merged[p.PartNumber] = p
		completed[p.PartNumber] = true
	}

	parts := make([]store.Part, 0, len(merged))
	for _, p := range merged {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	snap.Parts = parts
	return completed, nil
}

// uploadOnePart drives the retry loop for a single part: slice the byte
// range, request a signed URL, rewrite for acceleration, PUT, and retry
// with backoff on a retryable failure, emitting RETRYING_CHUNK between
// attempts.
func (e *Engine) uploadOnePart(ctx context.Context, au *ActiveUpload, source Source, snap *store.UploadState, partNumber int, accelerationEndpoint string) (store.Part, error) {
	offset := int64(partNumber-1) * snap.PartSize
	length := snap.PartSize
	if offset+length > snap.FileSize {
		length = snap.FileSize - offset
	}

	data, err := source.ReadRange(offset, length)
	if err != nil {
		return store.Part{}, uploaderrors.WithPart(uploaderrors.Fatal("failed to read source byte range", err), partNumber)
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return store.Part{}, uploaderrors.Cancelled("upload cancelled", ctx.Err())
		}

		signedURL, err := e.cp.GetSignedURL(ctx, partNumber, snap.UploadID, snap.Key, snap.Accelerated)
		if err == nil {
			if snap.Accelerated {
				signedURL = e.cp.RewriteForAcceleration(signedURL, accelerationEndpoint, snap.FileSize)
			}
			var part store.Part
			part, err = e.cp.UploadPart(ctx, signedURL, partNumber, data)
			if err == nil {
				return part, nil
			}
		}

		if uploaderrors.IsCancelled(err) {
			return store.Part{}, err
		}
		if !uploaderrors.IsRetryable(err) || attempt >= au.retry.Attempts {
			return store.Part{}, err
		}

		delay := au.retry.NextDelay(attempt)
		e.bus.Broadcast(bus.Event{
			Type:      bus.EventRetryingChunk,
			ContentID: snap.ContentID,
			Data: bus.RetryingChunkData{
				PartNumber:       partNumber,
				Attempt:          attempt + 1,
				NextAttemptDelay: delay.Milliseconds(),
			},
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.Part{}, uploaderrors.Cancelled("upload cancelled during backoff", ctx.Err())
		}
	}
}

// recordPartComplete appends the completed part to the upload's state,
// recomputes progress, persists, and emits CHUNK_UPLOADED/UPLOAD_PROGRESS.
func (e *Engine) recordPartComplete(au *ActiveUpload, part store.Part, connections int, speedMu *sync.Mutex, speed *speedTracker) {
	var snapshot store.UploadState
	_ = au.WithState(func(s *store.UploadState) error {
		if !s.HasPart(part.PartNumber) {
			s.Parts = append(s.Parts, part)
			sort.Slice(s.Parts, func(i, j int) bool { return s.Parts[i].PartNumber < s.Parts[j].PartNumber })
		}
		total := s.TotalParts()
		if total > 0 {
			s.Progress = (len(s.Parts)*100 + total/2) / total
			if s.Progress > 100 {
				s.Progress = 100
			}
		}
		snapshot = *s
		snapshot.Parts = append([]store.Part(nil), s.Parts...)
		return nil
	})

	if err := e.store.SaveUploadState(&snapshot); err != nil {
		// A storage error on a progress persist does not kill the upload;
		// progress may be redone on resume.
		obslog.Warn().Err(err).ContentID(snapshot.ContentID).Msg("Failed to persist progress, continuing in memory")
	}

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventChunkUploaded,
		ContentID: snapshot.ContentID,
		Data:      bus.ChunkUploadedData{PartNumber: part.PartNumber, ETag: part.ETag, Size: part.Size},
	})

	speedMu.Lock()
	rate := speed.Sample(time.Now(), snapshot.CompletedBytes())
	remaining := snapshot.FileSize - snapshot.CompletedBytes()
	eta := speed.TimeRemaining(remaining)
	speedMu.Unlock()

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadProgress,
		ContentID: snapshot.ContentID,
		Data: bus.UploadProgressData{
			Progress:          snapshot.Progress,
			UploadedBytes:     snapshot.CompletedBytes(),
			TotalBytes:        snapshot.FileSize,
			UploadSpeed:       rate,
			TimeRemaining:     eta,
			ActiveConnections: connections,
		},
	})
}

// failUpload transitions the upload to the error state.
func (e *Engine) failUpload(au *ActiveUpload, cause error) {
	var snapshot store.UploadState
	var partNumber *int
	_ = au.WithState(func(s *store.UploadState) error {
		s.Status = store.StatusError
		s.Error = cause.Error()
		snapshot = *s
		return nil
	})
	var ue *uploaderrors.UploadError
	if uploaderrors.As(cause, &ue) {
		partNumber = ue.PartNumber
	}

	if err := e.store.SaveUploadState(&snapshot); err != nil {
		obslog.Error().Err(err).ContentID(snapshot.ContentID).Msg("Failed to persist errored upload state")
	}
	e.reg.Remove(snapshot.ContentID)

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadError,
		ContentID: snapshot.ContentID,
		Data:      bus.UploadErrorData{Message: cause.Error(), Retryable: uploaderrors.IsRetryable(cause), PartNumber: partNumber},
	})
}

// finalize is called once all parts are complete: it calls
// completeMultipartUpload and transitions to completed on success.
func (e *Engine) finalize(ctx context.Context, au *ActiveUpload) {
	snapshot := au.Snapshot()

	result, err := e.cp.CompleteMultipartUpload(ctx, snapshot.Key, snapshot.UploadID, snapshot.ContentID, snapshot.Parts, snapshot.Accelerated)
	if err != nil {
		// The upload remains in_progress from the server's perspective; the
		// next resume reconciles and re-attempts.
		obslog.Warn().Err(err).ContentID(snapshot.ContentID).Msg("Complete failed, leaving upload in_progress for next resume")
		e.reg.Remove(snapshot.ContentID)
		return
	}

	duration := time.Since(snapshot.StartTime)
	var avgSpeed float64
	if duration.Seconds() > 0 {
		avgSpeed = float64(snapshot.FileSize) / duration.Seconds()
	}

	_ = au.WithState(func(s *store.UploadState) error {
		s.Status = store.StatusCompleted
		s.FileURL = result.Location
		s.Progress = 100
		snapshot = *s
		return nil
	})
	if err := e.store.SaveUploadState(&snapshot); err != nil {
		obslog.Error().Err(err).ContentID(snapshot.ContentID).Msg("Failed to persist completed upload state")
	}
	e.reg.Remove(snapshot.ContentID)

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadComplete,
		ContentID: snapshot.ContentID,
		Data: bus.UploadCompleteData{
			FileURL:      result.Location,
			Duration:     duration.Milliseconds(),
			TotalBytes:   snapshot.FileSize,
			AverageSpeed: avgSpeed,
		},
	})
}

// pauseForMissingSource transitions an upload to paused with an
// explanatory error when its source file cannot be reopened on resume.
func (e *Engine) pauseForMissingSource(snap *store.UploadState, cause error) {
	snap.Status = store.StatusPaused
	snap.Error = fmt.Sprintf("source file unavailable on resume: %v", cause)

	if err := e.store.SaveUploadState(snap); err != nil {
		obslog.Error().Err(err).ContentID(snap.ContentID).Msg("Failed to persist paused-on-missing-source state")
	}

	e.bus.Broadcast(bus.Event{
		Type:      bus.EventUploadPaused,
		ContentID: snap.ContentID,
		Data:      bus.UploadStatusData{Status: string(store.StatusPaused), Progress: snap.Progress},
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
