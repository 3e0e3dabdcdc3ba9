package engine

import "time"

// emaWeight is the exponential-moving-average smoothing factor for the
// speed tracker.
const emaWeight = 0.3

// sampleWindow is the minimum interval between samples folded into the
// moving average; bursts of part completions within one window are
// coalesced into a single sample.
const sampleWindow = 5 * time.Second

// speedTracker maintains an exponential moving average of upload
// throughput (bytes/sec) for one upload, feeding the uploadSpeed and
// timeRemaining fields on UPLOAD_PROGRESS events. A small, self-contained
// stdlib-only helper since no ecosystem EMA library fit this narrow a need.
type speedTracker struct {
	lastSampleAt time.Time
	lastBytes    int64
	ema          float64
	started      bool
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{}
}

// Sample folds a new (timestamp, totalBytesUploaded) observation into the
// moving average and returns the current smoothed bytes/sec estimate. The
// very first sample seeds the tracker without producing a rate.
func (t *speedTracker) Sample(now time.Time, totalBytes int64) float64 {
	if !t.started {
		t.started = true
		t.lastSampleAt = now
		t.lastBytes = totalBytes
		return 0
	}

	elapsed := now.Sub(t.lastSampleAt)
	if elapsed < sampleWindow {
		// Still return the last known rate so UPLOAD_PROGRESS always has a
		// reasonable value between samples.
		return t.ema
	}

	deltaBytes := totalBytes - t.lastBytes
	instantRate := float64(deltaBytes) / elapsed.Seconds()

	if t.ema == 0 {
		t.ema = instantRate
	} else {
		t.ema = emaWeight*instantRate + (1-emaWeight)*t.ema
	}

	t.lastSampleAt = now
	t.lastBytes = totalBytes
	return t.ema
}

// TimeRemaining estimates seconds remaining given the current smoothed
// rate and bytes left to upload. Returns 0 when the rate is not yet known.
func (t *speedTracker) TimeRemaining(remainingBytes int64) float64 {
	if t.ema <= 0 {
		return 0
	}
	return float64(remainingBytes) / t.ema
}
