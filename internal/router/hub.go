// Package router is the server side of the sync core: it authenticates
// sessions, assigns canonical ids through the store and fans messages out to
// every session of the sender and receiver.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/campusline/chatsync"
	"github.com/campusline/chatsync/internal/store"
)

// MaxContentLength is the longest accepted message, in runes.
const MaxContentLength = 4096

// Rejection reasons sent in rejected events.
const (
	ReasonEmptyContent    = "empty content"
	ReasonContentTooLong  = "content too long"
	ReasonUnknownReceiver = "unknown receiver"
	ReasonSelfSend        = "cannot send to self"
	ReasonStoreFailure    = "message could not be stored"
)

// Hub tracks the active sessions of every principal and routes sends between
// them. All routing runs on the Run goroutine, so arrival order at the hub is
// the only ordering.
type Hub struct {
	store store.Store

	// sessions maps principal id to its open connections.
	sessions map[string]map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn
	inbound    chan *frame

	// mu guards sessions for readers outside the Run goroutine.
	mu sync.RWMutex

	done chan struct{}
}

// frame is one event read from a connection.
type frame struct {
	conn *Conn
	env  chatsync.Envelope
}

// NewHub creates a hub that persists through st.
func NewHub(st store.Store) *Hub {
	return &Hub{
		store:      st,
		sessions:   make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan *frame, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.registerConn(conn)
		case conn := <-h.unregister:
			h.unregisterConn(conn)
		case f := <-h.inbound:
			h.handleFrame(ctx, f)
		}
	}
}

// Register adds an authenticated connection. It reports false once the hub
// has stopped.
func (h *Hub) Register(conn *Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) deliver(f *frame) {
	select {
	case h.inbound <- f:
	case <-h.done:
	}
}

// Online reports whether principalID has at least one session.
func (h *Hub) Online(principalID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[principalID]) > 0
}

// SessionCount returns the number of open sessions of principalID.
func (h *Hub) SessionCount(principalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[principalID])
}

func (h *Hub) registered(conn *Conn) bool {
	return h.sessions[conn.PrincipalID][conn]
}

func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	conns := h.sessions[conn.PrincipalID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[*Conn]bool)
		h.sessions[conn.PrincipalID] = conns
	}
	conns[conn] = true
	online := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		if id != conn.PrincipalID {
			online = append(online, id)
		}
	}
	h.mu.Unlock()

	jww.INFO.Printf("[Hub] %s connected as %s (sessions: %d)", conn.ID, conn.PrincipalID, len(conns))

	// The new session learns who is already online.
	for _, id := range online {
		h.sendTo(conn, chatsync.EventPresenceChanged, chatsync.PresenceChangedPayload{PrincipalID: id, Online: true})
	}
	if first {
		h.broadcastPresence(conn.PrincipalID, true)
	}
}

func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	conns, ok := h.sessions[conn.PrincipalID]
	if !ok || !conns[conn] {
		h.mu.Unlock()
		return
	}
	delete(conns, conn)
	close(conn.send)
	last := len(conns) == 0
	if last {
		delete(h.sessions, conn.PrincipalID)
	}
	h.mu.Unlock()

	jww.INFO.Printf("[Hub] %s of %s disconnected (remaining: %d)", conn.ID, conn.PrincipalID, len(conns))
	if last {
		h.broadcastPresence(conn.PrincipalID, false)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.sessions {
		for conn := range conns {
			close(conn.send)
		}
		delete(h.sessions, id)
	}
}

// broadcastPresence tells every other connected session about a transition.
func (h *Hub) broadcastPresence(principalID string, online bool) {
	payload := chatsync.PresenceChangedPayload{PrincipalID: principalID, Online: online}
	for _, conn := range h.snapshot() {
		if conn.PrincipalID != principalID {
			h.sendTo(conn, chatsync.EventPresenceChanged, payload)
		}
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conn
	for _, conns := range h.sessions {
		for conn := range conns {
			out = append(out, conn)
		}
	}
	return out
}

func (h *Hub) sessionsOf(principalID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.sessions[principalID]))
	for conn := range h.sessions[principalID] {
		out = append(out, conn)
	}
	return out
}

// sendTo queues one event for conn. A connection whose buffer is full is
// dropped; its client will reconnect and resync.
func (h *Hub) sendTo(conn *Conn, eventType string, payload interface{}) {
	data, err := encode(eventType, payload)
	if err != nil {
		jww.ERROR.Printf("[Hub] encode %s: %v", eventType, err)
		return
	}

	h.mu.RLock()
	live := h.registered(conn)
	h.mu.RUnlock()
	if !live {
		return
	}

	select {
	case conn.send <- data:
	default:
		jww.WARN.Printf("[Hub] %s is not draining, dropping it", conn.ID)
		h.unregisterConn(conn)
	}
}

func encode(eventType string, payload interface{}) ([]byte, error) {
	env, err := chatsync.NewEnvelope(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (h *Hub) handleFrame(ctx context.Context, f *frame) {
	switch f.env.Type {
	case chatsync.EventRequestSend:
		var req chatsync.SendRequestPayload
		if err := f.env.Decode(&req); err != nil {
			h.sendTo(f.conn, chatsync.EventRejected, chatsync.RejectedPayload{Reason: "malformed request"})
			return
		}
		h.route(ctx, f.conn, req)
	case chatsync.EventPing:
		var p chatsync.LivenessPayload
		_ = f.env.Decode(&p)
		h.sendTo(f.conn, chatsync.EventPong, p)
	case chatsync.EventPong:
	default:
		jww.DEBUG.Printf("[Hub] ignoring %q from %s", f.env.Type, f.conn.ID)
	}
}

// route validates and persists one send, acks the originating session and
// pushes the canonical message to the receiver's sessions and the sender's
// other sessions.
func (h *Hub) route(ctx context.Context, from *Conn, req chatsync.SendRequestPayload) {
	reject := func(reason string) {
		jww.DEBUG.Printf("[Hub] rejected send from %s: %s", from.PrincipalID, reason)
		h.sendTo(from, chatsync.EventRejected, chatsync.RejectedPayload{ClientID: req.ClientID, Reason: reason})
	}

	switch {
	case strings.TrimSpace(req.Content) == "":
		reject(ReasonEmptyContent)
		return
	case utf8.RuneCountInString(req.Content) > MaxContentLength:
		reject(ReasonContentTooLong)
		return
	case req.ReceiverID == from.PrincipalID:
		reject(ReasonSelfSend)
		return
	}

	if _, err := h.store.Principal(ctx, req.ReceiverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			reject(ReasonUnknownReceiver)
		} else {
			jww.ERROR.Printf("[Hub] receiver lookup: %v", err)
			reject(ReasonStoreFailure)
		}
		return
	}

	stored, duplicate, err := h.store.Append(ctx, chatsync.Message{
		SenderID:   from.PrincipalID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		ClientID:   req.ClientID,
	})
	if err != nil {
		jww.ERROR.Printf("[Hub] append: %v", err)
		reject(ReasonStoreFailure)
		return
	}

	h.sendTo(from, chatsync.EventSentAck, chatsync.SentAckPayload{Message: stored, ClientID: req.ClientID})
	if duplicate {
		jww.DEBUG.Printf("[Hub] repeated client id %s from %s, acked message %d again", req.ClientID, from.PrincipalID, stored.ID)
		return
	}

	push := chatsync.PushPayload{Message: stored, ClientID: req.ClientID}
	for _, conn := range h.sessionsOf(stored.ReceiverID) {
		h.sendTo(conn, chatsync.EventPush, push)
	}
	for _, conn := range h.sessionsOf(stored.SenderID) {
		if conn != from {
			h.sendTo(conn, chatsync.EventPush, push)
		}
	}
	jww.TRACE.Printf("[Hub] routed message %d %s -> %s", stored.ID, stored.SenderID, stored.ReceiverID)
}
