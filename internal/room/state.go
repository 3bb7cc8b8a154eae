package room

import (
	"sort"
	"sync"

	"github.com/transcriptio/collab/internal/op"
)

const (
	// Recent operations retained per room as the transform window.
	defaultWindow = 256
	// Applied operation IDs remembered per room for dedup.
	defaultSeen = 2048
)

// State holds a room's transient operation history: a bounded window
// of recently broadcast operations used to transform incoming edits,
// and the set of applied operation IDs used to drop duplicates.
// Nothing here is persisted; only the net document content survives,
// via the snapshot store.
type State struct {
	mu        sync.RWMutex
	recent    []op.Operation
	seen      map[string]struct{}
	seenOrder []string
	window    int
	seenCap   int
}

func NewState() *State {
	return &State{
		seen:    make(map[string]struct{}),
		window:  defaultWindow,
		seenCap: defaultSeen,
	}
}

// AddOperation records a broadcast operation. It returns false if the
// operation ID was already seen, so callers can drop duplicates
// without re-applying them.
func (s *State) AddOperation(o op.Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID != "" {
		if _, dup := s.seen[o.ID]; dup {
			return false
		}
		s.seen[o.ID] = struct{}{}
		s.seenOrder = append(s.seenOrder, o.ID)
		if len(s.seenOrder) > s.seenCap {
			overflow := s.seenOrder[:len(s.seenOrder)-s.seenCap]
			for _, id := range overflow {
				delete(s.seen, id)
			}
			s.seenOrder = append([]string(nil), s.seenOrder[len(overflow):]...)
		}
	}

	s.recent = append(s.recent, o)
	if len(s.recent) > s.window {
		s.recent = append([]op.Operation(nil), s.recent[len(s.recent)-s.window:]...)
	}
	return true
}

// ConcurrentSince returns the retained operations from other authors
// issued at or after the given timestamp, ordered by issue time. This
// is the transform input for an edit generated at that timestamp.
func (s *State) ConcurrentSince(timestamp int64, authorID string) []op.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []op.Operation
	for _, prev := range s.recent {
		if prev.AuthorID == authorID {
			continue
		}
		if prev.Timestamp < timestamp {
			continue
		}
		out = append(out, prev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// OperationCount reports how many operations are currently retained.
func (s *State) OperationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent)
}
