package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transcriptio/collab/internal/op"
	"github.com/transcriptio/collab/internal/presence"
	"github.com/transcriptio/collab/internal/room"
)

// Connection is a live client socket as seen by the manager: an
// identity plus a non-blocking outbound side.
type Connection interface {
	ID() string
	Send(data []byte) error
}

// UserInfo is the display enrichment attached to presence events.
type UserInfo struct {
	ID     string
	Name   string
	Email  string
	Avatar string
}

// UserDirectory resolves user IDs for display. A lookup failure never
// blocks a join; payloads fall back to the raw ID.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*UserInfo, error)
}

// Manager orchestrates the collaboration protocol: join/leave, edit
// transformation and broadcast, cursor and typing fan-out, heartbeats
// and disconnect cleanup. All per-event failures are isolated to the
// triggering connection; nothing here takes down a room.
type Manager struct {
	store  presence.Store
	router *room.Router
	users  UserDirectory // may be nil

	// live-presence window for activeUsers snapshots
	activeWindow time.Duration

	mu     sync.Mutex
	states map[string]*room.State // per-document operation history

	now func() time.Time
}

func NewManager(store presence.Store, router *room.Router, users UserDirectory) *Manager {
	return &Manager{
		store:        store,
		router:       router,
		users:        users,
		activeWindow: 30 * time.Second,
		states:       make(map[string]*room.State),
		now:          time.Now,
	}
}

// SetActiveWindow overrides the live-presence window used for
// activeUsers snapshots. Call before serving traffic.
func (m *Manager) SetActiveWindow(d time.Duration) {
	if d > 0 {
		m.activeWindow = d
	}
}

// HandleMessage validates and dispatches one inbound frame. Malformed
// input produces an error event back to the sender only; it is never
// broadcast and never alters state.
func (m *Manager) HandleMessage(ctx context.Context, conn Connection, raw []byte) {
	event, payload, err := Decode(raw)
	if err != nil {
		m.sendError(conn, err)
		return
	}

	switch event {
	case EventJoinTranscript:
		m.handleJoin(ctx, conn, payload.(*JoinPayload))
	case EventLeaveTranscript:
		m.handleLeave(ctx, conn, payload.(*LeavePayload))
	case EventTextEdit:
		m.handleTextEdit(ctx, conn, payload.(*TextEditPayload))
	case EventCursorMove:
		m.handleCursorMove(ctx, conn, payload.(*CursorMovePayload))
	case EventTypingStart:
		m.handleTyping(ctx, conn, payload.(*TypingPayload), true)
	case EventTypingStop:
		m.handleTyping(ctx, conn, payload.(*TypingPayload), false)
	case EventVideoSeek:
		m.handleVideoSeek(ctx, conn, payload.(*VideoSeekPayload))
	case EventHeartbeat:
		m.handleHeartbeat(ctx, conn)
	}
}

func (m *Manager) handleJoin(ctx context.Context, conn Connection, p *JoinPayload) {
	_, err := m.store.Upsert(ctx, p.DocumentID, p.UserID, conn.ID(), presence.Patch{})
	if err != nil {
		// Presence bookkeeping is skipped but the session still joins:
		// edits must keep flowing when the store is down.
		log.Printf("Presence upsert failed for %s on %s: %v", p.UserID, p.DocumentID, err)
	}

	m.router.Join(conn.ID(), p.DocumentID, conn)

	info := m.lookupUser(ctx, p.UserID)
	m.broadcast(p.DocumentID, EventUserJoined, UserJoinedPayload{
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
		Name:         info.Name,
		Avatar:       info.Avatar,
		Timestamp:    m.now().UnixMilli(),
	}, conn.ID())

	m.sendActiveUsers(ctx, conn, p.DocumentID)
}

func (m *Manager) handleLeave(ctx context.Context, conn Connection, p *LeavePayload) {
	if err := m.store.Remove(ctx, conn.ID()); err != nil {
		log.Printf("Presence remove failed for %s: %v", conn.ID(), err)
	}
	m.router.Leave(conn.ID(), p.DocumentID)
	m.releaseStateIfEmpty(p.DocumentID)

	m.broadcast(p.DocumentID, EventUserLeft, UserLeftPayload{
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
		Timestamp:    m.now().UnixMilli(),
	}, conn.ID())
}

func (m *Manager) handleTextEdit(ctx context.Context, conn Connection, p *TextEditPayload) {
	o := p.Operation
	o.AuthorID = p.UserID
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Timestamp == 0 {
		o.Timestamp = m.now().UnixMilli()
	}

	state := m.state(p.DocumentID)
	transformed := op.Transform(o, state.ConcurrentSince(o.Timestamp, o.AuthorID))
	if !state.AddOperation(transformed) {
		// Duplicate operation ID: already applied, drop silently.
		return
	}

	activity := presence.ActivityEditing
	m.updatePresence(ctx, conn.ID(), presence.Patch{Activity: &activity})

	m.broadcast(p.DocumentID, EventTextEditReceived, TextEditReceivedPayload{
		DocumentID:   p.DocumentID,
		SegmentIndex: p.SegmentIndex,
		Operation:    transformed,
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
		Timestamp:    m.now().UnixMilli(),
	}, conn.ID())
}

func (m *Manager) handleCursorMove(ctx context.Context, conn Connection, p *CursorMovePayload) {
	m.updatePresence(ctx, conn.ID(), presence.Patch{
		Cursor:    &presence.Cursor{Position: p.Position, SegmentIndex: p.SegmentIndex},
		Selection: p.Selection,
	})

	m.broadcast(p.DocumentID, EventCursorMoved, CursorMovedPayload{
		DocumentID:   p.DocumentID,
		SegmentIndex: p.SegmentIndex,
		Position:     p.Position,
		Selection:    p.Selection,
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
	}, conn.ID())
}

// There is no server-side typing timeout: the client owns typingStop.
// A client that crashes mid-typing keeps its indicator until its
// presence record goes away on disconnect or in the stale sweep.
func (m *Manager) handleTyping(ctx context.Context, conn Connection, p *TypingPayload, typing bool) {
	activity := presence.ActivityEditing
	if typing {
		activity = presence.ActivityTyping
	}
	m.updatePresence(ctx, conn.ID(), presence.Patch{IsTyping: &typing, Activity: &activity})

	m.broadcast(p.DocumentID, EventUserTyping, UserTypingPayload{
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
		IsTyping:     typing,
	}, conn.ID())
}

func (m *Manager) handleVideoSeek(ctx context.Context, conn Connection, p *VideoSeekPayload) {
	m.updatePresence(ctx, conn.ID(), presence.Patch{})

	m.broadcast(p.DocumentID, EventVideoSeeked, VideoSeekedPayload{
		DocumentID:   p.DocumentID,
		Timestamp:    p.Timestamp,
		UserID:       p.UserID,
		ConnectionID: conn.ID(),
	}, conn.ID())
}

func (m *Manager) handleHeartbeat(ctx context.Context, conn Connection) {
	// Refreshes lastHeartbeat/lastActive only; nothing is broadcast.
	m.updatePresence(ctx, conn.ID(), presence.Patch{})
}

// HandleDisconnect runs when the transport closes without an explicit
// leave. The disconnect carries no payload, so the user and room come
// from the presence record keyed by connection — but room removal
// never depends on that lookup: the closed socket leaves every room
// it was in regardless, or it would linger as an undeliverable member
// on every future broadcast.
func (m *Manager) HandleDisconnect(ctx context.Context, conn Connection) {
	rec, err := m.store.Get(ctx, conn.ID())
	if err != nil && !errors.Is(err, presence.ErrNotFound) {
		log.Printf("Presence lookup on disconnect failed for %s: %v", conn.ID(), err)
	}

	for _, documentID := range m.router.LeaveAll(conn.ID()) {
		m.releaseStateIfEmpty(documentID)
	}

	if rec == nil {
		// Never joined, already left, or the presence record was
		// rebound to a newer socket; no departure to announce.
		return
	}

	if err := m.store.Remove(ctx, conn.ID()); err != nil {
		log.Printf("Presence remove on disconnect failed for %s: %v", conn.ID(), err)
	}

	m.broadcast(rec.DocumentID, EventUserLeft, UserLeftPayload{
		UserID:       rec.UserID,
		ConnectionID: conn.ID(),
		Timestamp:    m.now().UnixMilli(),
	}, conn.ID())
}

func (m *Manager) sendActiveUsers(ctx context.Context, conn Connection, documentID string) {
	records, err := m.store.ListActive(ctx, documentID, m.activeWindow)
	if err != nil {
		log.Printf("ListActive failed for %s: %v", documentID, err)
		records = nil
	}

	users := make([]UserSummary, 0, len(records))
	for _, rec := range records {
		info := m.lookupUser(ctx, rec.UserID)
		users = append(users, UserSummary{
			UserID:       rec.UserID,
			ConnectionID: rec.ConnectionID,
			Name:         info.Name,
			Email:        info.Email,
			Avatar:       info.Avatar,
			Status:       rec.Status,
			Activity:     rec.Activity,
			Cursor:       rec.Cursor,
			IsTyping:     rec.IsTyping,
			LastActive:   rec.LastActive.UnixMilli(),
		})
	}

	data, err := Encode(EventActiveUsers, ActiveUsersPayload{DocumentID: documentID, Users: users})
	if err != nil {
		log.Printf("Encode activeUsers failed: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("Send activeUsers to %s failed: %v", conn.ID(), err)
	}
}

// lookupUser never fails hard: display fields fall back to the raw ID.
func (m *Manager) lookupUser(ctx context.Context, userID string) UserInfo {
	if m.users == nil {
		return UserInfo{ID: userID}
	}
	info, err := m.users.GetUser(ctx, userID)
	if err != nil || info == nil {
		return UserInfo{ID: userID}
	}
	return *info
}

func (m *Manager) updatePresence(ctx context.Context, connectionID string, patch presence.Patch) {
	if _, err := m.store.Update(ctx, connectionID, patch); err != nil && !errors.Is(err, presence.ErrNotFound) {
		log.Printf("Presence update failed for %s: %v", connectionID, err)
	}
}

func (m *Manager) broadcast(documentID, event string, payload any, excludeConnectionID string) {
	data, err := Encode(event, payload)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}
	m.router.Broadcast(documentID, data, excludeConnectionID)
}

func (m *Manager) sendError(conn Connection, err error) {
	data, encErr := Encode(EventError, ErrorPayload{Message: err.Error()})
	if encErr != nil {
		return
	}
	if sendErr := conn.Send(data); sendErr != nil {
		log.Printf("Send error event to %s failed: %v", conn.ID(), sendErr)
	}
}

// releaseStateIfEmpty drops a room's operation history once its last
// member is gone, so long-dead documents don't accumulate state for
// the life of the process.
func (m *Manager) releaseStateIfEmpty(documentID string) {
	if len(m.router.MembersOf(documentID)) > 0 {
		return
	}
	m.mu.Lock()
	delete(m.states, documentID)
	m.mu.Unlock()
}

func (m *Manager) state(documentID string) *room.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[documentID]
	if !ok {
		state = room.NewState()
		m.states[documentID] = state
	}
	return state
}

// Stats reports live counters for the operational API.
func (m *Manager) Stats() (rooms, connections int) {
	return m.router.RoomCount(), m.router.ConnectionCount()
}
