package sync

import "github.com/wesm/github-issue-mirror/internal/models"

// StaleSet holds the object numbers each refreshable stream must process.
// Trustworthy is false when the numbers could not be derived precisely and a
// full scan is required instead.
type StaleSet struct {
	Trustworthy bool

	queues map[models.Stream][]int
	seen   map[models.Stream]map[int]bool
}

// NewStaleSet returns an empty set
func NewStaleSet() *StaleSet {
	return &StaleSet{
		queues: make(map[models.Stream][]int),
		seen:   make(map[models.Stream]map[int]bool),
	}
}

// Add queues number for stream, reporting false if it was already queued
func (s *StaleSet) Add(stream models.Stream, number int) bool {
	seen, ok := s.seen[stream]
	if !ok {
		seen = make(map[int]bool)
		s.seen[stream] = seen
	}
	if seen[number] {
		return false
	}
	seen[number] = true
	s.queues[stream] = append(s.queues[stream], number)
	return true
}

// Contains reports whether number is queued for stream
func (s *StaleSet) Contains(stream models.Stream, number int) bool {
	return s.seen[stream][number]
}

// Numbers returns the queued numbers for stream in insertion order
func (s *StaleSet) Numbers(stream models.Stream) []int {
	return s.queues[stream]
}

// Len returns the queue length for stream
func (s *StaleSet) Len(stream models.Stream) int {
	return len(s.queues[stream])
}

// Total returns the number of queued entries across all streams
func (s *StaleSet) Total() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Counts returns the queue length of every refreshable stream
func (s *StaleSet) Counts() map[models.Stream]int {
	counts := make(map[models.Stream]int, len(models.RefreshableStreams))
	for _, stream := range models.RefreshableStreams {
		counts[stream] = s.Len(stream)
	}
	return counts
}
