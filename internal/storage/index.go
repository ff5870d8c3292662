package storage

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// Index is the summary list of every mirrored issue and pull request
type Index struct {
	LastCheckedAt time.Time        `json:"last_checked_at"`
	Objects       []models.Summary `json:"objects"`

	byNumber map[int]int
	dirty    bool
}

// NewIndex returns an empty index
func NewIndex() *Index {
	return &Index{byNumber: make(map[int]int)}
}

func (idx *Index) reindex() {
	idx.byNumber = make(map[int]int, len(idx.Objects))
	for i, s := range idx.Objects {
		idx.byNumber[s.Number] = i
	}
}

// Lookup returns the summary for a number
func (idx *Index) Lookup(number int) (models.Summary, bool) {
	i, ok := idx.byNumber[number]
	if !ok {
		return models.Summary{}, false
	}
	return idx.Objects[i], true
}

// Len returns the number of summaries
func (idx *Index) Len() int {
	return len(idx.Objects)
}

// Dirty reports whether the index changed since it was loaded or saved
func (idx *Index) Dirty() bool {
	return idx.dirty
}

// Upsert merges a summary into the index and reports whether anything
// changed. Listings that only carry numbers and timestamps do not erase a
// title or state learned earlier.
func (idx *Index) Upsert(s models.Summary) bool {
	i, ok := idx.byNumber[s.Number]
	if !ok {
		idx.byNumber[s.Number] = len(idx.Objects)
		idx.Objects = append(idx.Objects, s)
		idx.dirty = true
		return true
	}

	cur := idx.Objects[i]
	merged := cur
	merged.Kind = s.Kind
	if s.Title != "" {
		merged.Title = s.Title
	}
	if s.State != "" {
		merged.State = s.State
	}
	if !s.UpdatedAt.IsZero() {
		merged.UpdatedAt = s.UpdatedAt
	}
	if merged == cur {
		return false
	}
	idx.Objects[i] = merged
	idx.dirty = true
	return true
}

// IndexPath returns the summary index file
func (s *Store) IndexPath() string {
	return filepath.Join(s.root, indexFile)
}

// HasIndex reports whether a summary index has ever been written
func (s *Store) HasIndex() (bool, error) {
	return afero.Exists(s.fs, s.IndexPath())
}

// LoadIndex reads the summary index, returning an empty one if none exists
func (s *Store) LoadIndex() (*Index, error) {
	idx := NewIndex()
	if _, err := s.readJSON(s.IndexPath(), idx); err != nil {
		return nil, err
	}
	idx.reindex()
	return idx, nil
}

// SaveIndex writes the index sorted by number and stamps it with checkedAt
func (s *Store) SaveIndex(idx *Index, checkedAt time.Time) error {
	if err := s.fs.MkdirAll(s.root, 0755); err != nil {
		return err
	}

	sort.Slice(idx.Objects, func(i, j int) bool {
		return idx.Objects[i].Number < idx.Objects[j].Number
	})
	idx.reindex()
	idx.LastCheckedAt = checkedAt.UTC()
	if idx.Objects == nil {
		idx.Objects = []models.Summary{}
	}

	if err := s.writeJSON(s.IndexPath(), idx); err != nil {
		return err
	}
	idx.dirty = false
	return nil
}
