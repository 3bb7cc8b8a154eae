package room

import (
	"log"
	"sync"
)

// Sender is the outbound half of a connection, implemented by the
// websocket client. Send must not block; a failed send only skips
// that member.
type Sender interface {
	Send(data []byte) error
}

// Router groups live connections by document and fans events out to
// room members. Delivery is fire-and-forget, at-most-once: a dropped
// connection simply misses events until it resynchronizes.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Sender // documentID -> connectionID -> sender
}

func NewRouter() *Router {
	return &Router{
		rooms: make(map[string]map[string]Sender),
	}
}

func (r *Router) Join(connectionID, documentID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[documentID]; !ok {
		r.rooms[documentID] = make(map[string]Sender)
	}
	r.rooms[documentID][connectionID] = sender

	log.Printf("Connection %s joined room %s (total: %d)", connectionID, documentID, len(r.rooms[documentID]))
}

func (r *Router) Leave(connectionID, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[documentID]
	if !ok {
		return
	}
	if _, ok := members[connectionID]; !ok {
		return
	}
	delete(members, connectionID)

	if len(members) == 0 {
		delete(r.rooms, documentID)
		log.Printf("Room %s closed (empty)", documentID)
	} else {
		log.Printf("Connection %s left room %s (remaining: %d)", connectionID, documentID, len(members))
	}
}

// LeaveAll removes the connection from every room it belongs to and
// returns the affected document IDs. This is the disconnect path,
// where no documentId accompanies the departure and the connection
// must not linger as an undeliverable member.
func (r *Router) LeaveAll(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var docs []string
	for documentID, members := range r.rooms {
		if _, ok := members[connectionID]; !ok {
			continue
		}
		delete(members, connectionID)
		docs = append(docs, documentID)

		if len(members) == 0 {
			delete(r.rooms, documentID)
			log.Printf("Room %s closed (empty)", documentID)
		} else {
			log.Printf("Connection %s left room %s (remaining: %d)", connectionID, documentID, len(members))
		}
	}
	return docs
}

// Broadcast sends data to every member of the document's room except
// excludeConnectionID. A send failure to one member is logged and the
// rest of the room still receives the event.
func (r *Router) Broadcast(documentID string, data []byte, excludeConnectionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connID, sender := range r.rooms[documentID] {
		if connID == excludeConnectionID {
			continue
		}
		if err := sender.Send(data); err != nil {
			log.Printf("Broadcast to %s in room %s failed: %v", connID, documentID, err)
		}
	}
}

func (r *Router) MembersOf(documentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[documentID]))
	for connID := range r.rooms[documentID] {
		members = append(members, connID)
	}
	return members
}

func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, members := range r.rooms {
		count += len(members)
	}
	return count
}
