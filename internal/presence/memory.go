package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps presence records in process memory. It is the
// default store for a single-server deployment; multi-worker setups
// should use RedisStore so every worker sees the same presence.
type MemoryStore struct {
	mu        sync.RWMutex
	byConn    map[string]*Record
	byDocUser map[docUserKey]string // canonical connection per (document, user)

	now func() time.Time
}

type docUserKey struct {
	documentID string
	userID     string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byConn:    make(map[string]*Record),
		byDocUser: make(map[docUserKey]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, documentID, userID, connectionID string, patch Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := docUserKey{documentID, userID}

	rec, ok := s.byConn[connectionID]
	if !ok {
		// A reconnecting user rebinds their record to the new socket.
		if oldConn, exists := s.byDocUser[key]; exists {
			rec = s.byConn[oldConn]
			delete(s.byConn, oldConn)
			rec.ConnectionID = connectionID
		} else {
			rec = &Record{
				DocumentID:   documentID,
				UserID:       userID,
				ConnectionID: connectionID,
				Status:       StatusActive,
				Activity:     ActivityViewing,
				ConnectedAt:  now,
			}
		}
		s.byConn[connectionID] = rec
		s.byDocUser[key] = connectionID
	}

	rec.apply(patch)
	rec.LastActive = now
	rec.LastHeartbeat = now

	out := *rec
	return &out, nil
}

func (s *MemoryStore) Update(_ context.Context, connectionID string, patch Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byConn[connectionID]
	if !ok {
		return nil, ErrNotFound
	}

	rec.apply(patch)
	rec.LastActive = s.now()
	rec.LastHeartbeat = rec.LastActive

	out := *rec
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, connectionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byConn[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) Remove(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(connectionID)
	return nil
}

func (s *MemoryStore) remove(connectionID string) {
	rec, ok := s.byConn[connectionID]
	if !ok {
		return
	}
	delete(s.byConn, connectionID)

	key := docUserKey{rec.DocumentID, rec.UserID}
	if s.byDocUser[key] == connectionID {
		delete(s.byDocUser, key)
	}
}

func (s *MemoryStore) ListActive(_ context.Context, documentID string, within time.Duration) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-within)
	var out []Record
	for _, rec := range s.byConn {
		if rec.DocumentID != documentID {
			continue
		}
		if rec.LastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) SweepStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var stale []string
	for id, rec := range s.byConn {
		if rec.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.remove(id)
	}
	return len(stale), nil
}
