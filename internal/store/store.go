// Package store provides the durable local key-value persistence layer for
// the upload engine, backed by bbolt. It exposes three collections --
// uploads, chunks, and metadata -- each an independent bucket, with a
// single transaction per operation so every write is atomic.
package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/duneflow/uploadengine/internal/uploaderrors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUploads  = []byte("uploads")
	bucketChunks   = []byte("chunks")
	bucketMetadata = []byte("metadata")

	// bucketChunksByUpload is a nested bucket within bucketChunks holding
	// the chunks collection's secondary index on uploadId: each key is
	// uploadId + NUL + chunkId, pointing at the chunkId so LoadChunks and
	// DeleteChunks can range-scan one upload's chunks by key prefix
	// instead of scanning every chunk in the store.
	bucketChunksByUpload = []byte("by_upload")

	indexKeySep = []byte{0}
)

func chunkIndexKey(uploadID, chunkID string) []byte {
	key := make([]byte, 0, len(uploadID)+1+len(chunkID))
	key = append(key, uploadID...)
	key = append(key, indexKeySep...)
	key = append(key, chunkID...)
	return key
}

const schemaVersionKey = "schemaVersion"
const currentSchemaVersion = "1"

// Store wraps a bbolt database handle with typed accessors for upload
// state and chunk records. It is safe for concurrent use: bbolt serializes
// writers internally and readers see a consistent snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path, ensures
// the three buckets exist, and stamps the schema version on first open.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, uploaderrors.Storage("failed to open persistence store", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	err := s.db.Batch(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUploads, bucketChunks, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMetadata)
		if err != nil {
			return err
		}
		if meta.Get([]byte(schemaVersionKey)) == nil {
			return meta.Put([]byte(schemaVersionKey), []byte(currentSchemaVersion))
		}
		return nil
	})
	if err != nil {
		return uploaderrors.Storage("failed to initialize persistence store schema", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUploadState upserts the given record by ContentID in a single
// transaction.
func (s *Store) SaveUploadState(state *UploadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return uploaderrors.Fatal("failed to marshal upload state", err)
	}

	err = s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketUploads)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.ContentID), data)
	})
	if err != nil {
		return uploaderrors.Storage("failed to save upload state", err)
	}
	return nil
}

// LoadUploadState returns the record for contentID, or (nil, nil) if absent.
func (s *Store) LoadUploadState(contentID string) (*UploadState, error) {
	var state *UploadState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploads)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(contentID))
		if data == nil {
			return nil
		}
		state = &UploadState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, uploaderrors.Storage("failed to load upload state", err)
	}
	return state, nil
}

// LoadAllUploadStates performs a full scan of the uploads bucket. Ordering
// is unspecified.
func (s *Store) LoadAllUploadStates() ([]*UploadState, error) {
	var states []*UploadState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploads)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			state := &UploadState{}
			if err := json.Unmarshal(data, state); err != nil {
				return err
			}
			states = append(states, state)
			return nil
		})
	})
	if err != nil {
		return nil, uploaderrors.Storage("failed to load upload states", err)
	}
	return states, nil
}

// DeleteUploadState idempotently removes contentID's record.
func (s *Store) DeleteUploadState(contentID string) error {
	err := s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketUploads)
		if err != nil {
			return err
		}
		return b.Delete([]byte(contentID))
	})
	if err != nil {
		return uploaderrors.Storage("failed to delete upload state", err)
	}
	return nil
}

// SaveChunk upserts a chunk record keyed by its own ID, maintaining the
// by_upload secondary index entry that lets LoadChunks/DeleteChunks range
// over one upload's chunks without scanning the whole collection.
func (s *Store) SaveChunk(chunk *UploadChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return uploaderrors.Fatal("failed to marshal chunk", err)
	}

	err = s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(chunk.ID), data); err != nil {
			return err
		}
		idx, err := b.CreateBucketIfNotExists(bucketChunksByUpload)
		if err != nil {
			return err
		}
		return idx.Put(chunkIndexKey(chunk.UploadID, chunk.ID), []byte(chunk.ID))
	})
	if err != nil {
		return uploaderrors.Storage("failed to save chunk", err)
	}
	return nil
}

// LoadChunks returns every chunk whose UploadID matches uploadID, found via
// a prefix scan over the by_upload secondary index.
func (s *Store) LoadChunks(uploadID string) ([]*UploadChunk, error) {
	var chunks []*UploadChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		if b == nil {
			return nil
		}
		idx := b.Bucket(bucketChunksByUpload)
		if idx == nil {
			return nil
		}

		prefix := append(append([]byte{}, uploadID...), indexKeySep...)
		c := idx.Cursor()
		for k, chunkID := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, chunkID = c.Next() {
			data := b.Get(chunkID)
			if data == nil {
				continue
			}
			chunk := &UploadChunk{}
			if err := json.Unmarshal(data, chunk); err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return nil, uploaderrors.Storage("failed to load chunks", err)
	}
	return chunks, nil
}

// DeleteChunks removes every chunk whose UploadID matches uploadID, along
// with its by_upload index entries.
func (s *Store) DeleteChunks(uploadID string) error {
	err := s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		idx, err := b.CreateBucketIfNotExists(bucketChunksByUpload)
		if err != nil {
			return err
		}

		prefix := append(append([]byte{}, uploadID...), indexKeySep...)
		var staleIndexKeys [][]byte
		var staleChunkIDs [][]byte
		c := idx.Cursor()
		for k, chunkID := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, chunkID = c.Next() {
			staleIndexKeys = append(staleIndexKeys, append([]byte(nil), k...))
			staleChunkIDs = append(staleChunkIDs, append([]byte(nil), chunkID...))
		}

		for _, k := range staleIndexKeys {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		for _, chunkID := range staleChunkIDs {
			if err := b.Delete(chunkID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return uploaderrors.Storage("failed to delete chunks", err)
	}
	return nil
}

// SchemaVersion returns the stamped schema version from the metadata bucket.
func (s *Store) SchemaVersion() (string, error) {
	var version string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		if b == nil {
			return nil
		}
		version = string(b.Get([]byte(schemaVersionKey)))
		return nil
	})
	if err != nil {
		return "", uploaderrors.Storage("failed to read schema version", err)
	}
	return version, nil
}
