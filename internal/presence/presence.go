package presence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a connection.
var ErrNotFound = errors.New("presence record not found")

type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type Activity string

const (
	ActivityViewing    Activity = "viewing"
	ActivityEditing    Activity = "editing"
	ActivityCommenting Activity = "commenting"
	ActivityTyping     Activity = "typing"
)

// Cursor locates a user's caret within a transcript.
type Cursor struct {
	Position     int `json:"position"`
	SegmentIndex int `json:"segmentIndex"`
	WordIndex    int `json:"wordIndex"`
}

type Selection struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text,omitempty"`
}

// Record is the ephemeral per-connection state of a user on a
// transcript. It carries no document content; it exists from join
// until leave, disconnect, or the stale sweep.
type Record struct {
	DocumentID   string     `json:"documentId"`
	UserID       string     `json:"userId"`
	ConnectionID string     `json:"connectionId"`
	Status       Status     `json:"status"`
	Activity     Activity   `json:"activity"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	IsTyping     bool       `json:"isTyping"`

	ConnectedAt   time.Time `json:"connectedAt"`
	LastActive    time.Time `json:"lastActive"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Patch carries the optional fields of an upsert or update. Nil
// fields are left untouched; LastActive and LastHeartbeat are always
// refreshed by the store.
type Patch struct {
	Status    *Status
	Activity  *Activity
	Cursor    *Cursor
	Selection *Selection
	IsTyping  *bool
}

// Store holds one ephemeral record per live connection.
//
// Upsert is keyed by (documentID, userID) so a reconnecting user
// rebinds their canonical record to the new connection instead of
// leaving a duplicate behind. Update, Get and Remove address records
// by connection, which is the only identity known at disconnect time.
//
// Records past the heartbeat window are logically absent: ListActive
// filters by freshness rather than relying on SweepStale having run.
type Store interface {
	Upsert(ctx context.Context, documentID, userID, connectionID string, patch Patch) (*Record, error)
	Update(ctx context.Context, connectionID string, patch Patch) (*Record, error)
	Get(ctx context.Context, connectionID string) (*Record, error)
	Remove(ctx context.Context, connectionID string) error
	ListActive(ctx context.Context, documentID string, within time.Duration) ([]Record, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

func (r *Record) apply(p Patch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Activity != nil {
		r.Activity = *p.Activity
	}
	if p.Cursor != nil {
		r.Cursor = p.Cursor
	}
	if p.Selection != nil {
		r.Selection = p.Selection
	}
	if p.IsTyping != nil {
		r.IsTyping = *p.IsTyping
	}
}
