// Package filestore writes verified piece bytes to their single output
// file at the correct byte offset.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is the output file for a single-file download: an os.File
// truncated to its final length up front, written through positioned
// writes so disjoint pieces can be written concurrently without a lock
// around the whole file.
type Store struct {
	f           *os.File
	pieceLength int64
}

// Open creates (or truncates) path, pre-sizing it to length, and returns
// a Store that writes pieces at index*pieceLength.
func Open(path string, length, pieceLength int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: truncating %s to %d: %w", path, length, err)
	}
	return &Store{f: f, pieceLength: pieceLength}, nil
}

// WritePiece performs a positioned write of a verified piece's bytes.
// Safe to call concurrently for disjoint piece indices; os.File.WriteAt
// does not share a seek offset across calls.
func (s *Store) WritePiece(index int, data []byte) error {
	offset := int64(index) * s.pieceLength
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("filestore: writing piece %d at offset %d: %w", index, offset, err)
	}
	return nil
}

// Close flushes the file to the OS (fsync) and closes the handle. Called
// once, when the download ends, whether it succeeded or failed.
func (s *Store) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("filestore: syncing: %w", err)
	}
	return s.f.Close()
}
