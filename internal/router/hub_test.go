package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/chatsync"
	"github.com/campusline/chatsync/internal/store"
)

const waitFor = 2 * time.Second

type testEnv struct {
	url    string
	store  *store.MemoryStore
	tokens *chatsync.TokenIssuer
	server *Server
}

func newTestEnv(t *testing.T, principals ...string) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	tokens, err := chatsync.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	for _, id := range principals {
		require.NoError(t, st.PutPrincipal(context.Background(), chatsync.Principal{ID: id, DisplayName: strings.ToUpper(id)}))
	}

	srv := NewServer(st, tokens, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &testEnv{url: ts.URL, store: st, tokens: tokens, server: srv}
}

func (e *testEnv) token(id string) string {
	tok, _ := e.tokens.Issue(id)
	return tok
}

// peer is one client session that records events per type.
type peer struct {
	session *chatsync.Session
	events  map[string]chan chatsync.Envelope
}

func (e *testEnv) connect(t *testing.T, id string) *peer {
	t.Helper()

	s := chatsync.NewSession(e.url, chatsync.SessionConfig{
		Token:             e.token(id),
		HeartbeatInterval: time.Hour,
	})
	p := &peer{session: s, events: make(map[string]chan chatsync.Envelope)}
	for _, typ := range []string{chatsync.EventSentAck, chatsync.EventPush, chatsync.EventRejected, chatsync.EventPresenceChanged, chatsync.EventPong} {
		ch := make(chan chatsync.Envelope, 64)
		p.events[typ] = ch
		s.On(typ, func(env chatsync.Envelope) { ch <- env })
	}
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return p
}

func (p *peer) send(t *testing.T, to, content, clientID string) {
	t.Helper()
	err := p.session.Send(context.Background(), chatsync.EventRequestSend, chatsync.SendRequestPayload{
		ReceiverID: to,
		Content:    content,
		ClientID:   clientID,
	})
	require.NoError(t, err)
}

func (p *peer) next(t *testing.T, typ string, v interface{}) {
	t.Helper()
	select {
	case env := <-p.events[typ]:
		require.NoError(t, env.Decode(v))
	case <-time.After(waitFor):
		t.Fatalf("no %s within %s", typ, waitFor)
	}
}

func (p *peer) none(t *testing.T, typ string) {
	t.Helper()
	select {
	case env := <-p.events[typ]:
		t.Fatalf("unexpected %s: %s", typ, env.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRouteMessage(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.send(t, "bob", "Hi", "local-1")

	var ack chatsync.SentAckPayload
	alice.next(t, chatsync.EventSentAck, &ack)
	assert.Equal(t, "local-1", ack.ClientID)
	assert.NotZero(t, ack.Message.ID)
	assert.Equal(t, "alice", ack.Message.SenderID)
	assert.Equal(t, "bob", ack.Message.ReceiverID)
	assert.Equal(t, "Hi", ack.Message.Content)
	assert.False(t, ack.Message.CreatedAt.IsZero())

	var push chatsync.PushPayload
	bob.next(t, chatsync.EventPush, &push)
	assert.Equal(t, ack.Message.ID, push.Message.ID)
	assert.Equal(t, "Hi", push.Message.Content)

	alice.none(t, chatsync.EventPush)
	bob.none(t, chatsync.EventSentAck)

	stored, err := env.store.Thread(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ack.Message.ID, stored[0].ID)
}

func TestRouteToSenderSessions(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	tab1 := env.connect(t, "alice")
	tab2 := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	tab1.send(t, "bob", "from tab one", "tab1-1")

	var ack chatsync.SentAckPayload
	tab1.next(t, chatsync.EventSentAck, &ack)

	var echo chatsync.PushPayload
	tab2.next(t, chatsync.EventPush, &echo)
	assert.Equal(t, ack.Message.ID, echo.Message.ID)
	assert.Equal(t, "tab1-1", echo.ClientID)

	var push chatsync.PushPayload
	bob.next(t, chatsync.EventPush, &push)
	assert.Equal(t, ack.Message.ID, push.Message.ID)

	tab1.none(t, chatsync.EventPush)
	tab2.none(t, chatsync.EventSentAck)
}

func TestRouteRejections(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")

	tests := []struct {
		name    string
		to      string
		content string
		reason  string
	}{
		{"empty content", "bob", "   ", ReasonEmptyContent},
		{"too long", "bob", strings.Repeat("é", MaxContentLength+1), ReasonContentTooLong},
		{"unknown receiver", "carol", "hello", ReasonUnknownReceiver},
		{"self send", "alice", "hello", ReasonSelfSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice.send(t, tt.to, tt.content, "c-"+tt.name)

			var rej chatsync.RejectedPayload
			alice.next(t, chatsync.EventRejected, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, "c-"+tt.name, rej.ClientID)
		})
	}

	alice.none(t, chatsync.EventSentAck)
	msgs, err := env.store.Thread(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRouteMaxLengthAccepted(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")

	alice.send(t, "bob", strings.Repeat("x", MaxContentLength), "max")

	var ack chatsync.SentAckPayload
	alice.next(t, chatsync.EventSentAck, &ack)
	assert.Len(t, ack.Message.Content, MaxContentLength)
}

func TestRouteRepeatedClientID(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	alice.send(t, "bob", "once", "retry-1")
	alice.send(t, "bob", "once", "retry-1")

	var first, second chatsync.SentAckPayload
	alice.next(t, chatsync.EventSentAck, &first)
	alice.next(t, chatsync.EventSentAck, &second)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	var push chatsync.PushPayload
	bob.next(t, chatsync.EventPush, &push)
	assert.Equal(t, first.Message.ID, push.Message.ID)
	bob.none(t, chatsync.EventPush)
}

func TestRouteOrder(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	for _, c := range []string{"one", "two", "three"} {
		alice.send(t, "bob", c, "")
	}

	var got []string
	var lastID int64
	for i := 0; i < 3; i++ {
		var push chatsync.PushPayload
		bob.next(t, chatsync.EventPush, &push)
		assert.Greater(t, push.Message.ID, lastID)
		lastID = push.Message.ID
		got = append(got, push.Message.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestPresence(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")

	bob := env.connect(t, "bob")

	var snap chatsync.PresenceChangedPayload
	bob.next(t, chatsync.EventPresenceChanged, &snap)
	assert.Equal(t, chatsync.PresenceChangedPayload{PrincipalID: "alice", Online: true}, snap)

	var online chatsync.PresenceChangedPayload
	alice.next(t, chatsync.EventPresenceChanged, &online)
	assert.Equal(t, chatsync.PresenceChangedPayload{PrincipalID: "bob", Online: true}, online)

	t.Run("second session is not a transition", func(t *testing.T) {
		second := env.connect(t, "bob")
		alice.none(t, chatsync.EventPresenceChanged)

		second.session.Close()
		alice.none(t, chatsync.EventPresenceChanged)
	})

	t.Run("last session going away", func(t *testing.T) {
		bob.session.Close()

		var offline chatsync.PresenceChangedPayload
		alice.next(t, chatsync.EventPresenceChanged, &offline)
		assert.Equal(t, chatsync.PresenceChangedPayload{PrincipalID: "bob", Online: false}, offline)
		assert.Eventually(t, func() bool { return !env.server.Hub().Online("bob") }, waitFor, 10*time.Millisecond)
	})
}

func TestApplicationPing(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect(t, "alice")

	require.NoError(t, alice.session.Send(context.Background(), chatsync.EventPing, chatsync.LivenessPayload{Timestamp: 42}))

	var pong chatsync.LivenessPayload
	alice.next(t, chatsync.EventPong, &pong)
	assert.Equal(t, int64(42), pong.Timestamp)
}

func TestHandshake(t *testing.T) {
	env := newTestEnv(t, "alice")

	t.Run("authenticated", func(t *testing.T) {
		s, err := chatsync.OpenSession(context.Background(), env.url, chatsync.SessionConfig{Token: env.token("alice"), HeartbeatInterval: time.Hour})
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, chatsync.StateAuthenticated, s.State())
		assert.Equal(t, "alice", s.PrincipalID())
		assert.Equal(t, RoomName("alice"), s.RoomName())
		assert.NotEmpty(t, s.ConnectionID())
		assert.Eventually(t, func() bool { return env.server.Hub().SessionCount("alice") == 1 }, waitFor, 10*time.Millisecond)
	})

	t.Run("bad token", func(t *testing.T) {
		_, err := chatsync.OpenSession(context.Background(), env.url, chatsync.SessionConfig{Token: "nope"})
		require.Error(t, err)
		assert.True(t, chatsync.IsAuthError(err))
	})

	t.Run("foreign secret", func(t *testing.T) {
		tok := chatsync.SignToken("alice", time.Now().Add(time.Hour), "other-secret")
		_, err := chatsync.OpenSession(context.Background(), env.url, chatsync.SessionConfig{Token: tok})
		assert.True(t, chatsync.IsAuthError(err))
	})

	t.Run("unknown principal", func(t *testing.T) {
		_, err := chatsync.OpenSession(context.Background(), env.url, chatsync.SessionConfig{Token: env.token("mallory")})
		assert.True(t, chatsync.IsAuthError(err))
	})
}
