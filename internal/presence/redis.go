package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	connKeyPrefix    = "collab:presence:conn:"
	docKeyPrefix     = "collab:presence:doc:"
	docUserKeyPrefix = "collab:presence:docuser:"
	allConnsKey      = "collab:presence:conns"
)

// RedisStore keeps presence records in Redis so that rooms spanning
// multiple server workers share one view of who is connected.
//
// Records are written only by their owning connection (the sweep only
// deletes), so plain read-modify-write without cross-record locking is
// sufficient; last-write-wins on a single record is acceptable.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Upsert(ctx context.Context, documentID, userID, connectionID string, patch Patch) (*Record, error) {
	now := s.now()

	rec, err := s.load(ctx, connectionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if rec == nil {
		// Rebind the canonical (document, user) record if the user is
		// reconnecting on a fresh socket.
		oldConn, err := s.rdb.Get(ctx, docUserKeyPrefix+documentID+":"+userID).Result()
		if err == nil && oldConn != "" {
			rec, err = s.load(ctx, oldConn)
			if err == nil {
				s.dropConn(ctx, oldConn, rec.DocumentID)
				rec.ConnectionID = connectionID
			}
		}
	}

	if rec == nil {
		rec = &Record{
			DocumentID:   documentID,
			UserID:       userID,
			ConnectionID: connectionID,
			Status:       StatusActive,
			Activity:     ActivityViewing,
			ConnectedAt:  now,
		}
	}

	rec.apply(patch)
	rec.LastActive = now
	rec.LastHeartbeat = now

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, connectionID string, patch Patch) (*Record, error) {
	rec, err := s.load(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	rec.apply(patch)
	rec.LastActive = s.now()
	rec.LastHeartbeat = rec.LastActive

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, connectionID string) (*Record, error) {
	return s.load(ctx, connectionID)
}

func (s *RedisStore) Remove(ctx context.Context, connectionID string) error {
	rec, err := s.load(ctx, connectionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.dropConn(ctx, connectionID, rec.DocumentID)
	s.rdb.Del(ctx, docUserKeyPrefix+rec.DocumentID+":"+rec.UserID)
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context, documentID string, within time.Duration) ([]Record, error) {
	conns, err := s.rdb.SMembers(ctx, docKeyPrefix+documentID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list document connections")
	}

	cutoff := s.now().Add(-within)
	var out []Record
	for _, conn := range conns {
		rec, err := s.load(ctx, conn)
		if errors.Is(err, ErrNotFound) {
			// Membership entry outlived its record; drop it lazily.
			s.rdb.SRem(ctx, docKeyPrefix+documentID, conn)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.LastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *RedisStore) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	conns, err := s.rdb.SMembers(ctx, allConnsKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list connections")
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, conn := range conns {
		rec, err := s.load(ctx, conn)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, allConnsKey, conn)
			continue
		}
		if err != nil {
			return removed, err
		}
		if rec.LastHeartbeat.Before(cutoff) {
			if err := s.Remove(ctx, conn); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) load(ctx context.Context, connectionID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, connKeyPrefix+connectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load presence record")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode presence record")
	}
	return &rec, nil
}

func (s *RedisStore) save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode presence record")
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, connKeyPrefix+rec.ConnectionID, data, 0)
	pipe.SAdd(ctx, docKeyPrefix+rec.DocumentID, rec.ConnectionID)
	pipe.SAdd(ctx, allConnsKey, rec.ConnectionID)
	pipe.Set(ctx, docUserKeyPrefix+rec.DocumentID+":"+rec.UserID, rec.ConnectionID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "save presence record")
	}
	return nil
}

func (s *RedisStore) dropConn(ctx context.Context, connectionID, documentID string) {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, connKeyPrefix+connectionID)
	pipe.SRem(ctx, docKeyPrefix+documentID, connectionID)
	pipe.SRem(ctx, allConnsKey, connectionID)
	pipe.Exec(ctx)
}
