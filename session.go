package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a transport session.
type SessionConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive failed reconnects. Zero means
	// the default ceiling, negative means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	LivenessTimeout      time.Duration
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
}

// DefaultSessionConfig returns a config with reconnection enabled.
func DefaultSessionConfig(token string) SessionConfig {
	return SessionConfig{Token: token, AutoReconnect: true}
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 50
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// SessionState represents the connection state.
type SessionState string

const (
	StateConnecting    SessionState = "connecting"
	StateAuthenticated SessionState = "authenticated"
	StateDisconnected  SessionState = "disconnected"
	StateReconnecting  SessionState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives one decoded envelope.
type EventHandler func(env Envelope)

type eventDispatcher struct {
	mu             sync.RWMutex
	handlers       map[string][]EventHandler
	onState        []func(SessionState)
	onReconnecting []func(int, time.Duration)
	onReconnected  []func(AuthenticatedPayload)
	onExhausted    []func(error)
	onAuthFailed   []func(*AuthenticationError)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]EventHandler)}
}

// dispatch runs handlers synchronously so events are observed in arrival order.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (d *eventDispatcher) emitState(state SessionState) {
	d.mu.RLock()
	handlers := append([]func(SessionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitReconnected(p AuthenticatedPayload) {
	d.mu.RLock()
	handlers := append([]func(AuthenticatedPayload){}, d.onReconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (d *eventDispatcher) emitExhausted(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onExhausted...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitAuthFailed(err *AuthenticationError) {
	d.mu.RLock()
	handlers := append([]func(*AuthenticationError){}, d.onAuthFailed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	jitter      func(base time.Duration) time.Duration
}

func newReconnector(config *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		jitter: func(base time.Duration) time.Duration {
			return time.Duration(rand.Float64() * float64(base) * 0.5)
		},
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(r.jitter(r.baseDelay)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Session
// ============================================================================

// Session is one authenticated event channel between a client and the router.
// It reconnects on transport failure and stops for good on an auth error or
// after Close.
type Session struct {
	url        string
	config     SessionConfig
	dispatcher *eventDispatcher
	recon      *reconnector

	root       context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	state        SessionState
	closed       bool
	principalID  string
	roomName     string
	connectionID string

	pendingMu    sync.Mutex
	pendingPongs map[int64]chan struct{}
}

// NewSession prepares a session against baseURL without connecting, so
// handlers can be registered before the first event arrives.
func NewSession(baseURL string, config SessionConfig) *Session {
	config.defaults()
	root, cancel := context.WithCancel(context.Background())
	s := &Session{
		url:          websocketURL(baseURL),
		config:       config,
		dispatcher:   newEventDispatcher(),
		root:         root,
		rootCancel:   cancel,
		state:        StateDisconnected,
		pendingPongs: make(map[int64]chan struct{}),
	}
	s.recon = newReconnector(&s.config)
	return s
}

// OpenSession creates a session and performs the initial handshake. An
// *AuthenticationError is returned when the server rejects the token.
func OpenSession(ctx context.Context, baseURL string, config SessionConfig) (*Session, error) {
	s := NewSession(baseURL, config)
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func websocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// On registers a handler for one event type. Handlers run on the read
// goroutine, one at a time, in arrival order.
func (s *Session) On(eventType string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.handlers[eventType] = append(s.dispatcher.handlers[eventType], h)
	s.dispatcher.mu.Unlock()
}

// OnState registers a handler for state transitions.
func (s *Session) OnState(h func(SessionState)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onState = append(s.dispatcher.onState, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each backoff wait.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnected registers a handler for a successful re-handshake.
func (s *Session) OnReconnected(h func(AuthenticatedPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnected = append(s.dispatcher.onReconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnExhausted registers a handler for the reconnect ceiling being reached.
func (s *Session) OnExhausted(h func(error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onExhausted = append(s.dispatcher.onExhausted, h)
	s.dispatcher.mu.Unlock()
}

// OnAuthFailed registers a handler for a terminal handshake rejection during
// reconnection.
func (s *Session) OnAuthFailed(h func(*AuthenticationError)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAuthFailed = append(s.dispatcher.onAuthFailed, h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrincipalID returns the principal confirmed by the last handshake.
func (s *Session) PrincipalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principalID
}

// RoomName returns the room assigned by the last handshake.
func (s *Session) RoomName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomName
}

// ConnectionID returns the server-side id of the current connection.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// ReconnectAttempt returns the number of reconnects tried since the last
// successful handshake.
func (s *Session) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recon.attempt
}

// setState records and emits a transition. Once the session is closed only
// StateDisconnected is accepted; it reports whether state was applied.
func (s *Session) setState(state SessionState) bool {
	s.mu.Lock()
	if s.closed && state != StateDisconnected {
		s.mu.Unlock()
		return false
	}
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.dispatcher.emitState(state)
	}
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connect dials and performs the handshake. It is a no-op while a
// connection is already up.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state == StateAuthenticated || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(StateConnecting)
	conn, auth, err := s.handshake(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	if !s.attach(conn, auth) {
		return ErrNotConnected
	}
	return nil
}

// handshake dials the router and exchanges handshake for authenticated.
func (s *Session) handshake(ctx context.Context) (*websocket.Conn, AuthenticatedPayload, error) {
	var auth AuthenticatedPayload

	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, s.url, &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		return nil, auth, &TransportError{Op: "dial", Err: err}
	}

	if err := writeEnvelope(hctx, conn, EventHandshake, HandshakePayload{AuthToken: s.config.Token}); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake write failed")
		return nil, auth, &TransportError{Op: "handshake", Err: err}
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake read failed")
		return nil, auth, &TransportError{Op: "handshake", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "malformed handshake reply")
		return nil, auth, &TransportError{Op: "handshake", Err: errors.Wrap(err, "decode reply")}
	}

	switch env.Type {
	case EventAuthenticated:
		if err := env.Decode(&auth); err != nil {
			conn.Close(websocket.StatusProtocolError, "malformed authenticated payload")
			return nil, auth, &TransportError{Op: "handshake", Err: errors.Wrap(err, "decode authenticated")}
		}
		return conn, auth, nil
	case EventAuthError:
		var p AuthErrorPayload
		_ = env.Decode(&p)
		conn.Close(websocket.StatusNormalClosure, "auth rejected")
		return nil, auth, &AuthenticationError{Reason: p.Reason}
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, auth, &TransportError{Op: "handshake", Err: errors.Errorf("expected %q, got %q", EventAuthenticated, env.Type)}
	}
}

// attach installs an authenticated connection. It closes conn and reports
// false when the session was closed while the handshake ran.
func (s *Session) attach(conn *websocket.Conn, auth AuthenticatedPayload) bool {
	ctx, cancel := context.WithCancel(s.root)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false
	}
	s.conn = conn
	s.connCancel = cancel
	s.principalID = auth.PrincipalID
	s.roomName = auth.RoomName
	s.connectionID = auth.ConnectionID
	s.recon.reset()
	s.mu.Unlock()

	jww.INFO.Printf("[Session] authenticated as %s (room %s, connection %s)",
		auth.PrincipalID, auth.RoomName, auth.ConnectionID)
	s.setState(StateAuthenticated)

	go s.readLoop(ctx, conn)
	go s.heartbeatLoop(ctx, cancel, conn)
	return true
}

// Close terminates the session. No reconnect follows.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()

	s.rootCancel()
	s.clearPendingPongs()
	s.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes one event. It fails with ErrNotConnected unless the session is
// authenticated; transport failures are wrapped in *TransportError.
func (s *Session) Send(ctx context.Context, eventType string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateAuthenticated {
		return ErrNotConnected
	}
	if err := writeEnvelope(ctx, conn, eventType, payload); err != nil {
		return &TransportError{Op: "send " + eventType, Err: err}
	}
	return nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, eventType string, payload interface{}) error {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.isClosed() {
				return
			}
			jww.WARN.Printf("[Session] connection lost: %v", err)
			s.drop(conn)
			if s.config.AutoReconnect {
				s.reconnectLoop()
			} else {
				s.dispatcher.emitExhausted(ErrReconnectExhausted)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			jww.DEBUG.Printf("[Session] dropping malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case EventPong:
			var p LivenessPayload
			if env.Decode(&p) == nil {
				s.resolvePong(p.Timestamp)
			}
		case EventPing:
			var p LivenessPayload
			if env.Decode(&p) == nil {
				_ = writeEnvelope(ctx, conn, EventPong, p)
			}
		}

		s.dispatcher.dispatch(env)
	}
}

// drop releases a dead connection and moves to disconnected.
func (s *Session) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}
	}
	s.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "connection lost")
	s.clearPendingPongs()
	s.setState(StateDisconnected)
}

func (s *Session) reconnectLoop() {
	for {
		if s.isClosed() {
			return
		}

		s.mu.Lock()
		allowed := s.recon.shouldReconnect()
		var delay time.Duration
		var attempt int
		if allowed {
			delay = s.recon.nextDelay()
			attempt = s.recon.attempt
		}
		s.mu.Unlock()

		if !allowed {
			jww.ERROR.Printf("[Session] giving up after %d reconnect attempts", s.config.MaxReconnectAttempts)
			s.setState(StateDisconnected)
			s.dispatcher.emitExhausted(ErrReconnectExhausted)
			return
		}

		if !s.setState(StateReconnecting) {
			return
		}
		jww.INFO.Printf("[Session] reconnect attempt %d in %s", attempt, delay)
		s.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.root.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, auth, err := s.handshake(s.root)
		if err != nil {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				jww.ERROR.Printf("[Session] reconnect rejected: %s", authErr.Reason)
				s.setState(StateDisconnected)
				s.dispatcher.emitAuthFailed(authErr)
				return
			}
			jww.WARN.Printf("[Session] reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		if !s.attach(conn, auth) {
			return
		}
		s.dispatcher.emitReconnected(auth)
		return
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Cancelling the read context unblocks the read loop, which
				// then runs the reconnect path.
				jww.WARN.Printf("[Session] liveness ping failed: %v", err)
				cancel()
				return
			}
		}
	}
}

// ping sends one liveness ping and waits for the matching pong.
func (s *Session) ping(ctx context.Context, conn *websocket.Conn) error {
	ts := time.Now().UnixNano()
	ch := make(chan struct{})

	s.pendingMu.Lock()
	s.pendingPongs[ts] = ch
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pendingPongs, ts)
		s.pendingMu.Unlock()
	}()

	if err := writeEnvelope(ctx, conn, EventPing, LivenessPayload{Timestamp: ts}); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}

	timer := time.NewTimer(s.config.LivenessTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return &TransportError{Op: "ping", Err: errors.Errorf("no pong within %s", s.config.LivenessTimeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) resolvePong(ts int64) {
	s.pendingMu.Lock()
	ch, ok := s.pendingPongs[ts]
	if ok {
		delete(s.pendingPongs, ts)
	}
	s.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Session) clearPendingPongs() {
	s.pendingMu.Lock()
	for k := range s.pendingPongs {
		delete(s.pendingPongs, k)
	}
	s.pendingMu.Unlock()
}
