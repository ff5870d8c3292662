package models

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Origin tells which endpoint a comment came from
type Origin string

const (
	OriginOrdinary Origin = "ordinary"
	OriginReview   Origin = "review"
)

// CommentKey is a comment's identity. The remote does not guarantee that
// ordinary and review comment ids are disjoint, so the origin is part of it.
type CommentKey struct {
	Origin Origin
	ID     int64
}

// Comment is one entry of a comment thread
type Comment struct {
	ID        int64           `json:"id"`
	Origin    Origin          `json:"origin"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Key returns the comment's namespaced identity
func (c Comment) Key() CommentKey {
	return CommentKey{Origin: c.Origin, ID: c.ID}
}

// Equal reports whether two comments would persist identically
func (c Comment) Equal(o Comment) bool {
	return c.ID == o.ID &&
		c.Origin == o.Origin &&
		c.CreatedAt.Equal(o.CreatedAt) &&
		bytes.Equal(CompactJSON(c.Payload), CompactJSON(o.Payload))
}

// CommentThread is the ordered set of comments attached to one object
type CommentThread struct {
	Number        int       `json:"number"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Comments      []Comment `json:"comments"`
}

// Merge folds incoming comments into the thread by identity: known comments
// are replaced in place, unknown ones appended. Identical comments are left
// alone. The thread is re-sorted afterwards.
func (t *CommentThread) Merge(incoming []Comment) (added, updated int) {
	pos := make(map[CommentKey]int, len(t.Comments))
	for i, c := range t.Comments {
		pos[c.Key()] = i
	}

	for _, c := range incoming {
		c.Payload = CompactJSON(c.Payload)
		i, ok := pos[c.Key()]
		if !ok {
			pos[c.Key()] = len(t.Comments)
			t.Comments = append(t.Comments, c)
			added++
			continue
		}
		if t.Comments[i].Equal(c) {
			continue
		}
		t.Comments[i] = c
		updated++
	}

	t.Sort()
	return added, updated
}

// Sort orders comments ascending by creation time, then by origin and id
func (t *CommentThread) Sort() {
	sort.SliceStable(t.Comments, func(i, j int) bool {
		a, b := t.Comments[i], t.Comments[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		return a.ID < b.ID
	})
}

// IsSorted reports whether createdAt is non-decreasing across the thread
func (t *CommentThread) IsSorted() bool {
	for i := 1; i < len(t.Comments); i++ {
		if t.Comments[i].CreatedAt.Before(t.Comments[i-1].CreatedAt) {
			return false
		}
	}
	return true
}

// Normalize compacts every payload so that equality is byte-stable
func (t *CommentThread) Normalize() {
	for i := range t.Comments {
		t.Comments[i].Payload = CompactJSON(t.Comments[i].Payload)
	}
}

// CompactJSON returns raw with insignificant whitespace removed, or raw
// unchanged if it is not valid JSON
func CompactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
