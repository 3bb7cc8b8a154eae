// Package client implements the consumer-side synchronization state
// machine that browser sessions run against the collaboration server:
// an optimistic local buffer, a queue of unacknowledged local
// operations, transformed application of remote operations, and
// debounced snapshot persistence.
package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transcriptio/collab/internal/op"
)

type SyncState string

const (
	StateSynced  SyncState = "synced"
	StateSyncing SyncState = "syncing"
	StateError   SyncState = "error"
)

// Saver is the external persistence collaborator. Saves carry the
// full current content, not an operation replay.
type Saver interface {
	SaveSnapshot(ctx context.Context, documentID, content string) error
}

type Config struct {
	// Quiet period before the buffer is persisted.
	SaveDelay time.Duration
	// Minimum spacing between cursor broadcasts.
	CursorDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		SaveDelay:   time.Second,
		CursorDelay: 100 * time.Millisecond,
	}
}

// Editor tracks one document's local state. Local edits apply
// immediately and are queued for broadcast; remote operations are
// transformed against the queue before application so both sides
// converge on positions.
//
// Offline overlays the sync state: while offline the editor keeps
// accepting local edits, and a reconnect is a fresh join that resyncs
// from the last persisted snapshot. Operations broadcast by others
// while offline are lost; there is no replay log.
type Editor struct {
	documentID string
	userID     string
	config     Config
	saver      Saver

	// OnOperation is invoked for each local operation to broadcast.
	OnOperation func(op.Operation)
	// OnCursor is invoked with debounced cursor positions.
	OnCursor func(segmentIndex, position int)

	mu      sync.Mutex
	buffer  string
	pending []op.Operation
	applied map[string]struct{}
	state   SyncState
	offline bool

	saveTimer   *time.Timer
	cursorTimer *time.Timer
	cursorSeg   int
	cursorPos   int

	now func() time.Time
}

func NewEditor(documentID, userID, initialContent string, saver Saver, config Config) *Editor {
	return &Editor{
		documentID: documentID,
		userID:     userID,
		config:     config,
		saver:      saver,
		buffer:     initialContent,
		applied:    make(map[string]struct{}),
		state:      StateSynced,
		now:        time.Now,
	}
}

func (e *Editor) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer
}

func (e *Editor) State() (SyncState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.offline
}

// Insert applies a local insert optimistically and queues it for
// broadcast.
func (e *Editor) Insert(position int, content string) op.Operation {
	return e.local(op.Operation{Kind: op.Insert, Position: position, Content: content})
}

func (e *Editor) Delete(position, length int) op.Operation {
	return e.local(op.Operation{Kind: op.Delete, Position: position, Length: length})
}

func (e *Editor) Replace(position, length int, content string) op.Operation {
	return e.local(op.Operation{Kind: op.Replace, Position: position, Length: length, Content: content})
}

func (e *Editor) local(o op.Operation) op.Operation {
	o.ID = uuid.New().String()
	o.AuthorID = e.userID
	o.Timestamp = e.now().UnixMilli()

	e.mu.Lock()
	e.buffer = op.Apply(e.buffer, o)
	e.pending = append(e.pending, o)
	e.applied[o.ID] = struct{}{}
	e.state = StateSyncing
	e.scheduleSave()
	emit := e.OnOperation
	e.mu.Unlock()

	if emit != nil {
		emit(o)
	}
	return o
}

// ApplyRemote applies an operation broadcast by another session.
// Duplicates are dropped by operation ID; the position is transformed
// against the local unacknowledged queue before application.
func (e *Editor) ApplyRemote(o op.Operation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o.ID != "" {
		if _, dup := e.applied[o.ID]; dup {
			return false
		}
		e.applied[o.ID] = struct{}{}
	}

	transformed := op.Transform(o, e.pending)
	e.buffer = op.Apply(e.buffer, transformed)
	e.scheduleSave()
	return true
}

// MoveCursor records the local caret and broadcasts it once the
// debounce window elapses, bounding event volume during rapid motion.
func (e *Editor) MoveCursor(segmentIndex, position int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cursorSeg = segmentIndex
	e.cursorPos = position

	if e.cursorTimer != nil {
		return // a broadcast is already scheduled; it will pick up the latest position
	}
	e.cursorTimer = time.AfterFunc(e.config.CursorDelay, e.flushCursor)
}

func (e *Editor) flushCursor() {
	e.mu.Lock()
	e.cursorTimer = nil
	seg, pos := e.cursorSeg, e.cursorPos
	emit := e.OnCursor
	e.mu.Unlock()

	if emit != nil {
		emit(seg, pos)
	}
}

// SetOffline marks the transport as down. Local editing continues;
// persistence and broadcast resume after Resync.
func (e *Editor) SetOffline() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = true
}

// Resync replaces the buffer with a fresh snapshot after a reconnect.
// The reconnect is a fresh join: the pending queue and dedup set are
// reset because missed operations cannot be replayed.
func (e *Editor) Resync(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = content
	e.pending = nil
	e.applied = make(map[string]struct{})
	e.state = StateSynced
	e.offline = false
}

func (e *Editor) scheduleSave() {
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	e.saveTimer = time.AfterFunc(e.config.SaveDelay, e.flushSave)
}

func (e *Editor) flushSave() {
	e.mu.Lock()
	if e.offline {
		e.mu.Unlock()
		return
	}
	content := e.buffer
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.saver.SaveSnapshot(ctx, e.documentID, content)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		log.Printf("Snapshot save failed for %s: %v", e.documentID, err)
		e.state = StateError
		return
	}

	// The snapshot carries the pending operations' net effect, so the
	// queue is drained unless new edits arrived mid-save.
	if e.buffer == content {
		e.pending = nil
		e.state = StateSynced
	}
}
