package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultSendTimeout bounds how long an optimistic message waits for its ack.
const DefaultSendTimeout = 5 * time.Second

// Banner is the persistent connection notice shown to the user.
type Banner string

const (
	BannerNone         Banner = ""
	BannerDisconnected Banner = "disconnected"
	BannerSignedOut    Banner = "signed out"
)

// Transport is the send half of a Session.
type Transport interface {
	Send(ctx context.Context, eventType string, payload interface{}) error
}

// ChatOptions configures a Chat.
type ChatOptions struct {
	SendTimeout time.Duration
	MatchWindow time.Duration
	Presence    *PresenceTracker

	// RetryBaseDelay and RetryMaxDelay shape the backoff between failed
	// resync fetches. They default to the session's reconnect delays.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// OnChange runs on the event loop after every event that changed state.
	OnChange func(ChatState)
	// OnSendFailed runs on the event loop for every send that will not be
	// delivered: rejection, timeout, or staleness after a reconnect.
	OnSendFailed func(Message, error)
}

// ChatState is an immutable view of the client state.
type ChatState struct {
	Conversations ConversationList
	// Thread is the open thread; Counterpart is empty when none is open.
	Thread     Thread
	Connection SessionState
	Banner     Banner
	Syncing    bool
}

// Chat is the client event loop. Transport events, user actions, timers and
// fetch results are posted as events and applied one at a time; every state
// transition computes the next state from the previous one.
type Chat struct {
	self      Principal
	transport Transport
	resync    *Resyncer
	presence  *PresenceTracker
	opts      ChatOptions

	events chan func()
	outbox chan SendRequestPayload
	done   chan struct{}
	ctx    context.Context

	// Owned by the loop goroutine.
	state          ChatState
	profiles       map[string]Principal
	pending        map[string]Message
	timers         map[string]*time.Timer
	seen           map[int64]bool
	resyncGen      int
	resyncing      bool
	observed       []Message
	threadGen      int
	threadLoading  bool
	threadObserved []Message
	undo           map[string]previewUndo

	// Backoff between failed fetches, and the armed retry timers.
	listRetry   *reconnector
	threadRetry *reconnector
	listTimer   *time.Timer
	threadTimer *time.Timer

	snapMu   sync.RWMutex
	snapshot ChatState
}

// NewChat creates a chat for self. Call Run to start the loop and Attach to
// wire a Session.
func NewChat(self Principal, transport Transport, fetcher Fetcher, opts ChatOptions) *Chat {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Presence == nil {
		opts.Presence = NewPresenceTracker()
	}
	retry := SessionConfig{
		ReconnectBaseDelay:   opts.RetryBaseDelay,
		ReconnectMaxDelay:    opts.RetryMaxDelay,
		MaxReconnectAttempts: -1,
	}
	retry.defaults()
	c := &Chat{
		self:      self,
		transport: transport,
		resync:    NewResyncer(fetcher),
		presence:  opts.Presence,
		opts:      opts,
		events:    make(chan func(), 256),
		outbox:    make(chan SendRequestPayload, 256),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		profiles:  make(map[string]Principal),
		pending:   make(map[string]Message),
		timers:    make(map[string]*time.Timer),
		seen:      make(map[int64]bool),
		undo:      make(map[string]previewUndo),

		listRetry:   newReconnector(&retry),
		threadRetry: newReconnector(&retry),
	}
	c.state.Connection = StateDisconnected
	c.snapshot = c.state
	return c
}

// Presence returns the tracker fed by presenceChanged events.
func (c *Chat) Presence() *PresenceTracker {
	return c.presence
}

// Snapshot returns the state as of the last processed event.
func (c *Chat) Snapshot() ChatState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Attach routes a session's events into the loop.
func (c *Chat) Attach(s *Session) {
	s.On(EventSentAck, c.HandleEnvelope)
	s.On(EventPush, c.HandleEnvelope)
	s.On(EventRejected, c.HandleEnvelope)
	s.On(EventPresenceChanged, c.HandleEnvelope)
	s.OnState(c.HandleState)
	s.OnReconnected(func(AuthenticatedPayload) { c.HandleReconnected() })
	s.OnExhausted(func(error) { c.post(func() { c.setBanner(BannerDisconnected) }) })
	s.OnAuthFailed(func(*AuthenticationError) { c.post(func() { c.setBanner(BannerSignedOut) }) })
}

// Run processes events until ctx is done. It starts with a resync of the
// conversation list.
func (c *Chat) Run(ctx context.Context) error {
	c.ctx = ctx
	go c.sendLoop(ctx)
	c.startResync()
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.stopTimers()
			close(c.done)
			return ctx.Err()
		case ev := <-c.events:
			ev()
			c.publish()
		}
	}
}

// post queues fn on the loop. It never blocks once the loop has stopped.
func (c *Chat) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Chat) publish() {
	c.snapMu.Lock()
	changed := !sameState(c.snapshot, c.state)
	c.snapshot = c.state
	c.snapMu.Unlock()
	if changed && c.opts.OnChange != nil {
		c.opts.OnChange(c.state)
	}
}

func sameState(a, b ChatState) bool {
	return a.Connection == b.Connection && a.Banner == b.Banner && a.Syncing == b.Syncing &&
		a.Thread.Counterpart == b.Thread.Counterpart &&
		sameSlice(a.Thread.Messages, b.Thread.Messages) &&
		sameSlice(a.Conversations, b.Conversations)
}

// sameSlice compares slice identity; reducers always return a fresh slice
// when they change anything.
func sameSlice[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

func (c *Chat) setBanner(b Banner) {
	if c.state.Banner == BannerSignedOut && b != BannerSignedOut {
		return
	}
	c.state.Banner = b
}

// ============================================================================
// User actions
// ============================================================================

// OpenThread makes counterpart the open conversation and loads its history.
// A placeholder conversation is added when none exists.
func (c *Chat) OpenThread(counterpart Principal) {
	c.post(func() {
		if counterpart.ID == "" || counterpart.ID == c.self.ID {
			return
		}
		c.profiles[counterpart.ID] = counterpart
		t := NewThread(c.self.ID, counterpart.ID)
		t.MatchWindow = c.opts.MatchWindow
		// Optimistic sends made before the thread was opened stay visible.
		for _, m := range c.pending {
			t = t.AddOptimistic(m)
		}
		c.state.Thread = t
		c.state.Conversations = c.state.Conversations.EnsurePlaceholder(c.self.ID, counterpart)
		c.threadRetry.reset()
		c.startThreadLoad(false)
	})
}

// CloseThread clears the open conversation.
func (c *Chat) CloseThread() {
	c.post(func() {
		c.state.Thread = Thread{}
		stopTimer(&c.threadTimer)
		c.threadGen++
		c.threadLoading = false
		c.threadObserved = nil
	})
}

// Submit sends content to receiverID. The optimistic entry appears at once;
// the returned local id identifies it until it is confirmed or failed.
func (c *Chat) Submit(receiverID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.New("message is empty")
	}
	if receiverID == "" || receiverID == c.self.ID {
		return "", errors.Errorf("invalid receiver %q", receiverID)
	}
	localID := uuid.NewString()
	msg := Message{
		LocalID:    localID,
		SenderID:   c.self.ID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now(),
		Status:     StatusOptimistic,
	}
	c.post(func() { c.applySubmit(msg) })
	return localID, nil
}

func (c *Chat) applySubmit(msg Message) {
	c.pending[msg.LocalID] = msg
	c.state.Thread = c.state.Thread.AddOptimistic(msg)
	prev, had := c.state.Conversations.Find(msg.Key())
	c.undo[msg.LocalID] = previewUndo{prev: prev, had: had}
	c.state.Conversations = c.state.Conversations.Upsert(c.self.ID, msg, c.profiles[msg.ReceiverID])

	localID := msg.LocalID
	c.timers[localID] = time.AfterFunc(c.opts.SendTimeout, func() {
		c.post(func() {
			c.fail(localID, &SendTimeoutError{LocalID: localID, Timeout: c.opts.SendTimeout})
		})
	})

	req := SendRequestPayload{ReceiverID: msg.ReceiverID, Content: msg.Content, ClientID: localID}
	select {
	case c.outbox <- req:
	default:
		jww.WARN.Printf("[Chat] outbox full, %s will time out", localID)
	}
}

// sendLoop writes requests in submit order. A transport failure is only
// logged: the message's timeout decides its fate.
func (c *Chat) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
			err := c.transport.Send(sendCtx, EventRequestSend, req)
			cancel()
			if err != nil {
				jww.WARN.Printf("[Chat] send %s: %v", req.ClientID, err)
			}
		}
	}
}

// ============================================================================
// Transport events
// ============================================================================

// HandleEnvelope posts a channel event to the loop.
func (c *Chat) HandleEnvelope(env Envelope) {
	switch env.Type {
	case EventSentAck:
		var p SentAckPayload
		if err := env.Decode(&p); err != nil {
			jww.WARN.Printf("[Chat] bad sentAck: %v", err)
			return
		}
		c.post(func() { c.applyCanonical(p.Message, p.ClientID, true) })
	case EventPush:
		var p PushPayload
		if err := env.Decode(&p); err != nil {
			jww.WARN.Printf("[Chat] bad push: %v", err)
			return
		}
		c.post(func() { c.applyCanonical(p.Message, p.ClientID, false) })
	case EventRejected:
		var p RejectedPayload
		if err := env.Decode(&p); err != nil {
			jww.WARN.Printf("[Chat] bad rejected: %v", err)
			return
		}
		c.post(func() {
			c.fail(p.ClientID, &ServerRejection{LocalID: p.ClientID, Reason: p.Reason})
		})
	case EventPresenceChanged:
		var p PresenceChangedPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.presence.Apply(PresenceRecord{PrincipalID: p.PrincipalID, Online: p.Online})
	}
}

// HandleState posts a session state transition to the loop.
func (c *Chat) HandleState(state SessionState) {
	c.post(func() {
		c.state.Connection = state
		switch state {
		case StateAuthenticated:
			c.setBanner(BannerNone)
		case StateDisconnected:
			c.presence.Reset()
		}
	})
}

// HandleReconnected resyncs the conversation list and the open thread.
func (c *Chat) HandleReconnected() {
	c.post(func() {
		jww.INFO.Printf("[Chat] reconnected, resyncing")
		c.setBanner(BannerNone)
		c.listRetry.reset()
		c.threadRetry.reset()
		c.startResync()
		if c.state.Thread.Counterpart != "" {
			c.startThreadLoad(true)
		}
	})
}

// applyCanonical reconciles a sentAck or push.
func (c *Chat) applyCanonical(msg Message, clientID string, ack bool) {
	if msg.ID == 0 || msg.Counterpart(c.self.ID) == "" {
		return
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	if msg.SenderID == c.self.ID && msg.ClientID != "" {
		c.resolve(msg.ClientID)
	}

	if c.seen[msg.ID] {
		jww.DEBUG.Printf("[Chat] %v: message %d", ErrDuplicateDelivery, msg.ID)
		return
	}
	c.seen[msg.ID] = true

	if c.resyncing {
		c.observed = append(c.observed, msg)
	}
	if c.threadLoading && c.state.Thread.Belongs(msg) {
		c.threadObserved = append(c.threadObserved, msg)
	}

	before := c.state.Thread.Pending()
	var outcome Outcome
	if ack {
		c.state.Thread, outcome = c.state.Thread.Confirm(msg, msg.ClientID)
	} else {
		c.state.Thread, outcome = c.state.Thread.Receive(msg, msg.ClientID)
	}
	if outcome == OutcomeConfirmed {
		// Matched without a correlation id: drop whichever entry it replaced.
		for _, p := range before {
			if _, still := c.findLocal(p.LocalID); !still {
				c.resolve(p.LocalID)
			}
		}
	}
	jww.TRACE.Printf("[Chat] message %d %s", msg.ID, outcome)

	c.state.Conversations = c.state.Conversations.Upsert(c.self.ID, msg, c.profiles[msg.Counterpart(c.self.ID)])
}

func (c *Chat) findLocal(localID string) (Message, bool) {
	for _, m := range c.state.Thread.Messages {
		if m.LocalID == localID {
			return m, true
		}
	}
	return Message{}, false
}

// resolve forgets a pending send that has been delivered.
func (c *Chat) resolve(localID string) {
	if t, ok := c.timers[localID]; ok {
		t.Stop()
		delete(c.timers, localID)
	}
	delete(c.pending, localID)
	delete(c.undo, localID)
}

// fail removes a pending send and reports it.
func (c *Chat) fail(localID string, cause error) {
	msg, ok := c.pending[localID]
	if !ok {
		return
	}
	c.revertPreview(msg)
	c.resolve(localID)

	var removed Message
	var found bool
	c.state.Thread, removed, found = c.state.Thread.Fail(localID)
	if found {
		msg = removed
	}
	msg.Status = StatusFailed
	jww.WARN.Printf("[Chat] send failed: %v", cause)
	if c.opts.OnSendFailed != nil {
		c.opts.OnSendFailed(msg, cause)
	}
}

// previewUndo is the conversation entry a send replaced, restored if the
// send fails.
type previewUndo struct {
	prev Conversation
	had  bool
}

// revertPreview takes a failed send back out of the conversation list.
// Later pending sends that recorded it as their previous preview inherit
// its undo record instead.
func (c *Chat) revertPreview(msg Message) {
	u, ok := c.undo[msg.LocalID]
	if !ok {
		return
	}
	c.state.Conversations = c.state.Conversations.Revert(msg, u.prev, u.had)
	for id, other := range c.undo {
		if id != msg.LocalID && other.had && previewOf(other.prev, msg) {
			c.undo[id] = u
		}
	}
}

func (c *Chat) stopTimers() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	stopTimer(&c.listTimer)
	stopTimer(&c.threadTimer)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ============================================================================
// Resync
// ============================================================================

func (c *Chat) startResync() {
	stopTimer(&c.listTimer)
	c.resyncGen++
	gen := c.resyncGen
	c.resyncing = true
	c.observed = nil
	c.state.Syncing = true

	go func() {
		list, err := c.resync.Resync(c.ctx)
		c.post(func() { c.finishResync(gen, list, err) })
	}()
}

func (c *Chat) finishResync(gen int, list ConversationList, err error) {
	if gen != c.resyncGen {
		return
	}
	c.resyncing = false
	observed := c.observed
	c.observed = nil

	if err != nil {
		// Syncing stays set until a fetch succeeds.
		delay := c.listRetry.nextDelay()
		jww.WARN.Printf("[Resync] %v, retrying in %s", err, delay)
		c.listTimer = time.AfterFunc(delay, func() {
			c.post(func() {
				if gen == c.resyncGen {
					c.startResync()
				}
			})
		})
		return
	}
	c.listRetry.reset()
	c.state.Syncing = false
	for _, conv := range list {
		c.profiles[conv.Counterpart.ID] = conv.Counterpart
	}
	c.state.Conversations = Replay(list, c.self.ID, observed, c.profiles)
	jww.INFO.Printf("[Resync] conversation list replaced (%d entries)", len(c.state.Conversations))
}

// startThreadLoad fetches the open thread's history. afterReconnect marks
// the load that follows a reconnect, the only one that may discard pending
// sends as stale.
func (c *Chat) startThreadLoad(afterReconnect bool) {
	stopTimer(&c.threadTimer)
	c.threadGen++
	gen := c.threadGen
	counterpart := c.state.Thread.Counterpart
	c.threadLoading = true
	c.threadObserved = nil

	go func() {
		history, err := c.resync.FetchThread(c.ctx, counterpart)
		c.post(func() { c.finishThreadLoad(gen, afterReconnect, history, err) })
	}()
}

func (c *Chat) finishThreadLoad(gen int, afterReconnect bool, history []Message, err error) {
	if gen != c.threadGen {
		return
	}
	c.threadLoading = false
	observed := c.threadObserved
	c.threadObserved = nil

	if err != nil {
		delay := c.threadRetry.nextDelay()
		jww.WARN.Printf("[Resync] %v, retrying in %s", err, delay)
		c.threadTimer = time.AfterFunc(delay, func() {
			c.post(func() {
				if gen == c.threadGen {
					c.startThreadLoad(afterReconnect)
				}
			})
		})
		return
	}
	c.threadRetry.reset()

	// A send whose ack window is open is left to its ack or timeout.
	inFlight := make(map[string]bool, len(c.pending))
	if afterReconnect {
		for id := range c.timers {
			inFlight[id] = true
		}
	} else {
		for id := range c.pending {
			inFlight[id] = true
		}
	}

	before := c.state.Thread.Pending()
	merged, stale := c.resync.MergeThread(c.state.Thread, history, inFlight)
	for _, m := range observed {
		merged, _ = merged.Receive(m, m.ClientID)
	}
	for _, m := range history {
		c.seen[m.ID] = true
	}
	c.state.Thread = merged

	staleIDs := make(map[string]bool, len(stale))
	for _, m := range stale {
		staleIDs[m.LocalID] = true
	}
	for _, p := range before {
		if staleIDs[p.LocalID] {
			c.fail(p.LocalID, errors.WithMessagef(ErrStaleOptimistic, "message %s", p.LocalID))
			continue
		}
		if _, still := c.findLocal(p.LocalID); !still {
			c.resolve(p.LocalID)
		}
	}
}
