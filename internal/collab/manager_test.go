package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcriptio/collab/internal/op"
	"github.com/transcriptio/collab/internal/presence"
	"github.com/transcriptio/collab/internal/room"
)

// testConn simulates a live client socket.
type testConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *testConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (c *testConn) eventsNamed(t *testing.T, name string) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range c.envelopes(t) {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func newTestManager() *Manager {
	return NewManager(presence.NewMemoryStore(), room.NewRouter(), nil)
}

func send(t *testing.T, m *Manager, conn *testConn, event string, payload any) {
	t.Helper()
	data, err := Encode(event, payload)
	require.NoError(t, err)
	m.HandleMessage(context.Background(), conn, data)
}

func join(t *testing.T, m *Manager, conn *testConn, documentID, userID string) {
	t.Helper()
	send(t, m, conn, EventJoinTranscript, JoinPayload{DocumentID: documentID, UserID: userID})
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	// The joiner never sees its own userJoined; pre-existing members do.
	assert.Empty(t, b.eventsNamed(t, EventUserJoined))
	joined := a.eventsNamed(t, EventUserJoined)
	require.Len(t, joined, 1)

	var p UserJoinedPayload
	require.NoError(t, json.Unmarshal(joined[0].Data, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "conn-b", p.ConnectionID)
}

func TestJoinReturnsActiveUsersSnapshot(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	snapshots := b.eventsNamed(t, EventActiveUsers)
	require.Len(t, snapshots, 1)

	var p ActiveUsersPayload
	require.NoError(t, json.Unmarshal(snapshots[0].Data, &p))
	assert.Equal(t, "doc1", p.DocumentID)

	users := make(map[string]bool)
	for _, u := range p.Users {
		users[u.UserID] = true
	}
	assert.True(t, users["alice"], "existing member should be in the snapshot")
	assert.True(t, users["bob"], "joiner's own presence should be in the snapshot")
}

func TestJoinMissingFieldsRejectedLocally(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")

	send(t, m, b, EventJoinTranscript, JoinPayload{DocumentID: "doc1"})

	require.Len(t, b.eventsNamed(t, EventError), 1)
	assert.Empty(t, a.eventsNamed(t, EventUserJoined), "peers never see another client's validation errors")
	assert.NotContains(t, m.router.MembersOf("doc1"), "conn-b")
}

func TestUnknownEventRejected(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	m.HandleMessage(context.Background(), a, []byte(`{"event":"dropTables","data":{}}`))

	require.Len(t, a.eventsNamed(t, EventError), 1)
}

func TestTextEditBroadcast(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventTextEdit, TextEditPayload{
		DocumentID:   "doc1",
		SegmentIndex: 0,
		Operation:    op.Operation{ID: "op-1", Kind: op.Insert, Position: 0, Content: "Hi "},
		UserID:       "alice",
	})

	assert.Empty(t, a.eventsNamed(t, EventTextEditReceived), "sender does not echo its own edit")

	edits := b.eventsNamed(t, EventTextEditReceived)
	require.Len(t, edits, 1)

	var p TextEditReceivedPayload
	require.NoError(t, json.Unmarshal(edits[0].Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "conn-a", p.ConnectionID)
	assert.Equal(t, 0, p.Operation.Position, "no concurrent edits, position passes through unchanged")
	assert.Equal(t, "Hi ", p.Operation.Content)
	assert.NotZero(t, p.Timestamp)

	assert.Equal(t, "Hi hello", op.Apply("hello", p.Operation))
}

func TestTextEditTransformedAgainstConcurrent(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	base := time.Now().UnixMilli()

	// Bob's insert at position 0 is broadcast first.
	send(t, m, b, EventTextEdit, TextEditPayload{
		DocumentID: "doc1",
		Operation:  op.Operation{ID: "op-bob", Kind: op.Insert, Position: 0, Content: "Q", Timestamp: base + 1},
		UserID:     "bob",
	})

	// Alice's insert was generated before she saw Bob's edit, so its
	// position must shift right by Bob's insert length.
	send(t, m, a, EventTextEdit, TextEditPayload{
		DocumentID: "doc1",
		Operation:  op.Operation{ID: "op-alice", Kind: op.Insert, Position: 1, Content: "Z", Timestamp: base},
		UserID:     "alice",
	})

	edits := b.eventsNamed(t, EventTextEditReceived)
	require.Len(t, edits, 1)

	var p TextEditReceivedPayload
	require.NoError(t, json.Unmarshal(edits[0].Data, &p))
	assert.Equal(t, 2, p.Operation.Position)
}

func TestDuplicateOperationDropped(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	edit := TextEditPayload{
		DocumentID: "doc1",
		Operation:  op.Operation{ID: "op-1", Kind: op.Insert, Position: 0, Content: "x"},
		UserID:     "alice",
	}
	send(t, m, a, EventTextEdit, edit)
	send(t, m, a, EventTextEdit, edit)

	assert.Len(t, b.eventsNamed(t, EventTextEditReceived), 1, "replayed operation ID must not broadcast twice")
}

func TestCursorMoveBroadcast(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventCursorMove, CursorMovePayload{
		DocumentID:   "doc1",
		SegmentIndex: 2,
		Position:     14,
		UserID:       "alice",
	})

	moved := b.eventsNamed(t, EventCursorMoved)
	require.Len(t, moved, 1)

	var p CursorMovedPayload
	require.NoError(t, json.Unmarshal(moved[0].Data, &p))
	assert.Equal(t, 14, p.Position)
	assert.Equal(t, 2, p.SegmentIndex)
	assert.Equal(t, "conn-a", p.ConnectionID)

	rec, err := m.store.Get(context.Background(), "conn-a")
	require.NoError(t, err)
	require.NotNil(t, rec.Cursor)
	assert.Equal(t, 14, rec.Cursor.Position)
}

func TestTypingIndicator(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventTypingStart, TypingPayload{DocumentID: "doc1", UserID: "alice"})

	rec, err := m.store.Get(context.Background(), "conn-a")
	require.NoError(t, err)
	assert.True(t, rec.IsTyping)
	assert.Equal(t, presence.ActivityTyping, rec.Activity)

	send(t, m, a, EventTypingStop, TypingPayload{DocumentID: "doc1", UserID: "alice"})

	rec, err = m.store.Get(context.Background(), "conn-a")
	require.NoError(t, err)
	assert.False(t, rec.IsTyping)

	typing := b.eventsNamed(t, EventUserTyping)
	require.Len(t, typing, 2)

	var p UserTypingPayload
	require.NoError(t, json.Unmarshal(typing[0].Data, &p))
	assert.True(t, p.IsTyping)
	require.NoError(t, json.Unmarshal(typing[1].Data, &p))
	assert.False(t, p.IsTyping)
}

func TestVideoSeekBroadcast(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventVideoSeek, VideoSeekPayload{DocumentID: "doc1", Timestamp: 42.5, UserID: "alice"})

	seeked := b.eventsNamed(t, EventVideoSeeked)
	require.Len(t, seeked, 1)

	var p VideoSeekedPayload
	require.NoError(t, json.Unmarshal(seeked[0].Data, &p))
	assert.Equal(t, 42.5, p.Timestamp)
}

func TestHeartbeatIsSilent(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	aBefore := len(a.envelopes(t))
	bBefore := len(b.envelopes(t))

	m.HandleMessage(context.Background(), a, []byte(`{"event":"heartbeat"}`))

	assert.Len(t, a.envelopes(t), aBefore)
	assert.Len(t, b.envelopes(t), bBefore)
}

func TestDisconnectCleanup(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	c := &testConn{id: "conn-c"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")
	join(t, m, c, "doc1", "carol")

	// Transport closed with no payload: room and user come from the
	// presence record keyed by connection.
	m.HandleDisconnect(context.Background(), b)

	_, err := m.store.Get(context.Background(), "conn-b")
	assert.ErrorIs(t, err, presence.ErrNotFound)
	assert.NotContains(t, m.router.MembersOf("doc1"), "conn-b")

	for _, conn := range []*testConn{a, c} {
		left := conn.eventsNamed(t, EventUserLeft)
		require.Len(t, left, 1, "each remaining member gets exactly one userLeft")

		var p UserLeftPayload
		require.NoError(t, json.Unmarshal(left[0].Data, &p))
		assert.Equal(t, "bob", p.UserID)
		assert.Equal(t, "conn-b", p.ConnectionID)
	}

	// A second disconnect of the same connection is a no-op.
	m.HandleDisconnect(context.Background(), b)
	assert.Len(t, a.eventsNamed(t, EventUserLeft), 1)
}

func TestDisconnectAfterRebindStillLeavesRoom(t *testing.T) {
	m := newTestManager()

	old := &testConn{id: "conn-old"}
	fresh := &testConn{id: "conn-new"}
	join(t, m, old, "doc1", "alice")

	// Same user rejoins on a new socket: the presence record rebinds
	// to conn-new, so conn-old no longer has one.
	join(t, m, fresh, "doc1", "alice")

	// When the abandoned socket's transport finally closes it must
	// still leave the room, or every future broadcast would hit a
	// dead member.
	m.HandleDisconnect(context.Background(), old)

	assert.NotContains(t, m.router.MembersOf("doc1"), "conn-old")
	assert.Contains(t, m.router.MembersOf("doc1"), "conn-new")

	// Alice is still present via conn-new, so no departure goes out.
	assert.Empty(t, fresh.eventsNamed(t, EventUserLeft))

	rec, err := m.store.Get(context.Background(), "conn-new")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.UserID)
}

func TestDisconnectLeavesRoomWhenStoreIsDown(t *testing.T) {
	m := NewManager(brokenStore{}, room.NewRouter(), nil)

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	m.HandleDisconnect(context.Background(), a)

	assert.NotContains(t, m.router.MembersOf("doc1"), "conn-a",
		"store outage must not leak the closed connection into the room")
	assert.Contains(t, m.router.MembersOf("doc1"), "conn-b")
}

func TestRoomStateReleasedWhenEmpty(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventTextEdit, TextEditPayload{
		DocumentID: "doc1",
		Operation:  op.Operation{ID: "op-1", Kind: op.Insert, Position: 0, Content: "x"},
		UserID:     "alice",
	})

	hasState := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.states["doc1"]
		return ok
	}
	require.True(t, hasState())

	// Operation history survives while anyone is still in the room.
	send(t, m, a, EventLeaveTranscript, LeavePayload{DocumentID: "doc1", UserID: "alice"})
	assert.True(t, hasState())

	m.HandleDisconnect(context.Background(), b)
	assert.False(t, hasState(), "emptied room should not retain operation history")
}

func TestLeaveMissingUserRejected(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventLeaveTranscript, LeavePayload{DocumentID: "doc1"})

	require.Len(t, a.eventsNamed(t, EventError), 1)
	assert.Empty(t, b.eventsNamed(t, EventUserLeft), "a leave without userId must not broadcast")
	assert.Contains(t, m.router.MembersOf("doc1"), "conn-a", "rejected leave does not alter membership")
}

func TestExplicitLeave(t *testing.T) {
	m := newTestManager()

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventLeaveTranscript, LeavePayload{DocumentID: "doc1", UserID: "alice"})

	require.Len(t, b.eventsNamed(t, EventUserLeft), 1)
	assert.Empty(t, a.eventsNamed(t, EventUserLeft))
	_, err := m.store.Get(context.Background(), "conn-a")
	assert.ErrorIs(t, err, presence.ErrNotFound)
}

// brokenStore simulates an unavailable presence backend.
type brokenStore struct{}

var errStoreDown = errors.New("store unavailable")

func (brokenStore) Upsert(context.Context, string, string, string, presence.Patch) (*presence.Record, error) {
	return nil, errStoreDown
}
func (brokenStore) Update(context.Context, string, presence.Patch) (*presence.Record, error) {
	return nil, errStoreDown
}
func (brokenStore) Get(context.Context, string) (*presence.Record, error) {
	return nil, errStoreDown
}
func (brokenStore) Remove(context.Context, string) error { return errStoreDown }
func (brokenStore) ListActive(context.Context, string, time.Duration) ([]presence.Record, error) {
	return nil, errStoreDown
}
func (brokenStore) SweepStale(context.Context, time.Duration) (int, error) {
	return 0, errStoreDown
}

func TestEditsFlowWhenStoreIsDown(t *testing.T) {
	m := NewManager(brokenStore{}, room.NewRouter(), nil)

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	send(t, m, a, EventTextEdit, TextEditPayload{
		DocumentID: "doc1",
		Operation:  op.Operation{Kind: op.Insert, Position: 0, Content: "x"},
		UserID:     "alice",
	})

	assert.Len(t, b.eventsNamed(t, EventTextEditReceived), 1,
		"presence store failure must not block edit broadcast")
	assert.Empty(t, a.eventsNamed(t, EventError))
}

// stubDirectory resolves a fixed set of users.
type stubDirectory struct {
	users map[string]*UserInfo
}

func (d *stubDirectory) GetUser(_ context.Context, userID string) (*UserInfo, error) {
	info, ok := d.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return info, nil
}

func TestUserJoinedEnrichment(t *testing.T) {
	dir := &stubDirectory{users: map[string]*UserInfo{
		"bob": {ID: "bob", Name: "Bob Odenkirk", Avatar: "https://cdn/b.png"},
	}}
	m := NewManager(presence.NewMemoryStore(), room.NewRouter(), dir)

	a := &testConn{id: "conn-a"}
	b := &testConn{id: "conn-b"}
	c := &testConn{id: "conn-c"}
	join(t, m, a, "doc1", "alice")
	join(t, m, b, "doc1", "bob")

	joined := a.eventsNamed(t, EventUserJoined)
	require.Len(t, joined, 1)
	var p UserJoinedPayload
	require.NoError(t, json.Unmarshal(joined[0].Data, &p))
	assert.Equal(t, "Bob Odenkirk", p.Name)

	// Unknown user: join still succeeds, display falls back to the ID.
	join(t, m, c, "doc1", "mystery")
	joined = a.eventsNamed(t, EventUserJoined)
	require.Len(t, joined, 2)
	p = UserJoinedPayload{}
	require.NoError(t, json.Unmarshal(joined[1].Data, &p))
	assert.Equal(t, "mystery", p.UserID)
	assert.Empty(t, p.Name)
}
