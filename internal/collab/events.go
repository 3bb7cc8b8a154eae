package collab

import (
	"encoding/json"
	"fmt"

	"github.com/transcriptio/collab/internal/op"
	"github.com/transcriptio/collab/internal/presence"
)

// Wire event names. Every message is an Envelope whose Event field
// selects exactly one payload variant; anything else is rejected at
// the transport boundary before it reaches the session manager.
const (
	// client -> server
	EventJoinTranscript  = "joinTranscript"
	EventLeaveTranscript = "leaveTranscript"
	EventTextEdit        = "textEdit"
	EventCursorMove      = "cursorMove"
	EventTypingStart     = "typingStart"
	EventTypingStop      = "typingStop"
	EventVideoSeek       = "videoSeek"
	EventHeartbeat       = "heartbeat"

	// server -> clients
	EventUserJoined       = "userJoined"
	EventUserLeft         = "userLeft"
	EventActiveUsers      = "activeUsers"
	EventTextEditReceived = "textEditReceived"
	EventCursorMoved      = "cursorMoved"
	EventUserTyping       = "userTyping"
	EventVideoSeeked      = "videoSeeked"
	EventError            = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ValidationError flags a malformed inbound event. It is reported
// only to the originating connection and never alters state.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type JoinPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

func (p *JoinPayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("joinTranscript requires documentId and userId")
	}
	return nil
}

type LeavePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

func (p *LeavePayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("leaveTranscript requires documentId and userId")
	}
	return nil
}

type TextEditPayload struct {
	DocumentID   string       `json:"documentId"`
	SegmentIndex int          `json:"segmentIndex"`
	Operation    op.Operation `json:"operation"`
	UserID       string       `json:"userId"`
}

func (p *TextEditPayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("textEdit requires documentId and userId")
	}
	if p.SegmentIndex < 0 {
		return invalidf("textEdit segmentIndex must not be negative")
	}
	if err := p.Operation.Validate(); err != nil {
		return invalidf("textEdit operation invalid: %v", err)
	}
	return nil
}

type CursorMovePayload struct {
	DocumentID   string              `json:"documentId"`
	SegmentIndex int                 `json:"segmentIndex"`
	Position     int                 `json:"position"`
	Selection    *presence.Selection `json:"selection,omitempty"`
	UserID       string              `json:"userId"`
}

func (p *CursorMovePayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("cursorMove requires documentId and userId")
	}
	if p.Position < 0 {
		return invalidf("cursorMove position must not be negative")
	}
	return nil
}

type TypingPayload struct {
	DocumentID   string `json:"documentId"`
	SegmentIndex *int   `json:"segmentIndex,omitempty"`
	UserID       string `json:"userId"`
}

func (p *TypingPayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("typing events require documentId and userId")
	}
	return nil
}

type VideoSeekPayload struct {
	DocumentID string  `json:"documentId"`
	Timestamp  float64 `json:"timestamp"`
	UserID     string  `json:"userId"`
}

func (p *VideoSeekPayload) validate() error {
	if p.DocumentID == "" || p.UserID == "" {
		return invalidf("videoSeek requires documentId and userId")
	}
	return nil
}

// Server-emitted payloads.

type UserSummary struct {
	UserID       string            `json:"userId"`
	ConnectionID string            `json:"connectionId"`
	Name         string            `json:"name,omitempty"`
	Email        string            `json:"email,omitempty"`
	Avatar       string            `json:"avatar,omitempty"`
	Status       presence.Status   `json:"status"`
	Activity     presence.Activity `json:"activity"`
	Cursor       *presence.Cursor  `json:"cursor,omitempty"`
	IsTyping     bool              `json:"isTyping"`
	LastActive   int64             `json:"lastActive"`
}

type UserJoinedPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type UserLeftPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

type ActiveUsersPayload struct {
	DocumentID string        `json:"documentId"`
	Users      []UserSummary `json:"users"`
}

type TextEditReceivedPayload struct {
	DocumentID   string       `json:"documentId"`
	SegmentIndex int          `json:"segmentIndex"`
	Operation    op.Operation `json:"operation"`
	UserID       string       `json:"userId"`
	ConnectionID string       `json:"connectionId"`
	Timestamp    int64        `json:"timestamp"`
}

type CursorMovedPayload struct {
	DocumentID   string              `json:"documentId"`
	SegmentIndex int                 `json:"segmentIndex"`
	Position     int                 `json:"position"`
	Selection    *presence.Selection `json:"selection,omitempty"`
	UserID       string              `json:"userId"`
	ConnectionID string              `json:"connectionId"`
}

type UserTypingPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	IsTyping     bool   `json:"isTyping"`
}

type VideoSeekedPayload struct {
	DocumentID   string  `json:"documentId"`
	Timestamp    float64 `json:"timestamp"`
	UserID       string  `json:"userId"`
	ConnectionID string  `json:"connectionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode wraps a payload in its envelope for the wire.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a raw inbound frame into its typed payload, enforcing
// the closed event set and per-variant required fields.
func Decode(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, invalidf("malformed message: %v", err)
	}
	if env.Event == "" {
		return "", nil, invalidf("message has no event name")
	}

	switch env.Event {
	case EventJoinTranscript:
		p := &JoinPayload{}
		return env.Event, p, decodeInto(env, p)
	case EventLeaveTranscript:
		p := &LeavePayload{}
		return env.Event, p, decodeInto(env, p)
	case EventTextEdit:
		p := &TextEditPayload{}
		return env.Event, p, decodeInto(env, p)
	case EventCursorMove:
		p := &CursorMovePayload{}
		return env.Event, p, decodeInto(env, p)
	case EventTypingStart, EventTypingStop:
		p := &TypingPayload{}
		return env.Event, p, decodeInto(env, p)
	case EventVideoSeek:
		p := &VideoSeekPayload{}
		return env.Event, p, decodeInto(env, p)
	case EventHeartbeat:
		return env.Event, nil, nil
	default:
		return env.Event, nil, invalidf("unknown event %q", env.Event)
	}
}

type validator interface {
	validate() error
}

func decodeInto(env Envelope, p validator) error {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return invalidf("%s payload malformed: %v", env.Event, err)
		}
	}
	return p.validate()
}
