// Package storage lays mirrored objects and their comment threads out on disk
// in buckets of one hundred numbers each, next to a summary index.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wesm/github-issue-mirror/internal/models"
)

const (
	indexFile    = "index.json"
	objectSuffix = ".json"
	threadSuffix = ".comments.json"
)

// Store is the sharded on-disk mirror of one repository
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store rooted at root on the given filesystem
func New(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// ShardFor maps an object number to its bucket: 456 -> "4xx", 99 -> "0xx"
func ShardFor(number int) string {
	return fmt.Sprintf("%dxx", number/100)
}

// BucketPath returns the directory of a bucket
func (s *Store) BucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

// EnsureBucket creates the bucket directory if it does not exist
func (s *Store) EnsureBucket(bucket string) error {
	if err := s.fs.MkdirAll(s.BucketPath(bucket), 0755); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// ObjectPath returns the payload file of an object
func (s *Store) ObjectPath(number int) string {
	return filepath.Join(s.BucketPath(ShardFor(number)), fmt.Sprintf("%d%s", number, objectSuffix))
}

// ThreadPath returns the comment thread file of an object
func (s *Store) ThreadPath(number int) string {
	return filepath.Join(s.BucketPath(ShardFor(number)), fmt.Sprintf("%d%s", number, threadSuffix))
}

// WriteObject persists an object's payload
func (s *Store) WriteObject(obj *models.MirroredObject) error {
	if err := s.EnsureBucket(ShardFor(obj.Number)); err != nil {
		return err
	}
	return s.writeJSON(s.ObjectPath(obj.Number), obj)
}

// ReadObject loads an object's payload. It returns nil if the object has never been written.
func (s *Store) ReadObject(number int) (*models.MirroredObject, error) {
	var obj models.MirroredObject
	found, err := s.readJSON(s.ObjectPath(number), &obj)
	if err != nil || !found {
		return nil, err
	}
	obj.Payload = models.CompactJSON(obj.Payload)
	return &obj, nil
}

// ReadThread loads an object's comment thread, or an empty thread if none exists
func (s *Store) ReadThread(number int) (*models.CommentThread, error) {
	thread := &models.CommentThread{Number: number}
	if _, err := s.readJSON(s.ThreadPath(number), thread); err != nil {
		return nil, err
	}
	thread.Normalize()
	return thread, nil
}

// WriteThread persists an object's comment thread in canonical order
func (s *Store) WriteThread(thread *models.CommentThread) error {
	if err := s.EnsureBucket(ShardFor(thread.Number)); err != nil {
		return err
	}
	thread.Sort()
	if thread.Comments == nil {
		thread.Comments = []models.Comment{}
	}
	return s.writeJSON(s.ThreadPath(thread.Number), thread)
}

// writeJSON writes v to path through a temporary file so readers never see a
// partially written document
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// readJSON decodes path into v and reports whether the file existed
func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}
