package engine

import (
	"io"
	"os"
	"sync"

	"github.com/duneflow/uploadengine/internal/uploaderrors"
)

// FileSourceOpener opens upload sources from the local filesystem, reopening
// FilePath on every resume rather than holding a handle across restarts.
type FileSourceOpener struct{}

func NewFileSourceOpener() FileSourceOpener { return FileSourceOpener{} }

// Open reopens path for random-access reads. A missing or unreadable path
// is reported as-is so the caller can apply the pause-on-missing-source
// fallback instead of treating it as a retryable or fatal upload error.
func (FileSourceOpener) Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileSource{f: f}, nil
}

// fileSource serializes ReadRange calls on a single *os.File since
// concurrent part workers share one Source per upload.
type fileSource struct {
	mu sync.Mutex
	f  *os.File
}

func (s *fileSource) ReadRange(offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := io.NewSectionReader(s.f, offset, length)
	buf := make([]byte, length)
	n, err := io.ReadFull(sr, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, uploaderrors.Fatal("failed to read source range", err)
	}
	return buf[:n], nil
}

func (s *fileSource) Close() error {
	return s.f.Close()
}
