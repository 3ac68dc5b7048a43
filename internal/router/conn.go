package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/campusline/chatsync"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the client to present its handshake
	handshakeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Conn is one authenticated websocket session.
type Conn struct {
	hub *Hub

	ws *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	ID          string
	PrincipalID string
}

func newConn(hub *Hub, ws *websocket.Conn, principalID string) *Conn {
	return &Conn{
		hub:         hub,
		ws:          ws,
		send:        make(chan []byte, 256),
		ID:          uuid.NewString(),
		PrincipalID: principalID,
	}
}

// RoomName is the logical channel a principal's sessions share.
func RoomName(principalID string) string {
	return "principal:" + principalID
}

// Authenticator resolves a handshake token to a principal id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// handshake reads the first frame, which must be a handshake, and answers
// authenticated or authError. It returns the principal id on success.
func handshake(ws *websocket.Conn, auth Authenticator) (string, bool) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(handshakeWait))

	_, data, err := ws.ReadMessage()
	if err != nil {
		jww.DEBUG.Printf("[Hub] no handshake: %v", err)
		return "", false
	}

	var env chatsync.Envelope
	var hs chatsync.HandshakePayload
	if err := json.Unmarshal(data, &env); err != nil || env.Type != chatsync.EventHandshake || env.Decode(&hs) != nil {
		writeDirect(ws, chatsync.EventAuthError, chatsync.AuthErrorPayload{Reason: "expected handshake"})
		return "", false
	}

	principalID, err := auth.Verify(hs.AuthToken)
	if err != nil {
		jww.INFO.Printf("[Hub] handshake rejected: %v", err)
		writeDirect(ws, chatsync.EventAuthError, chatsync.AuthErrorPayload{Reason: err.Error()})
		return "", false
	}
	return principalID, true
}

// writeDirect writes one frame outside the pumps, before the connection is
// registered.
func writeDirect(ws *websocket.Conn, eventType string, payload interface{}) error {
	data, err := encode(eventType, payload)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// ReadPump pumps frames from the websocket connection to the hub.
// This runs in its own goroutine per connection.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("[Hub] read error from %s: %v", c.ID, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env chatsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			jww.DEBUG.Printf("[Hub] malformed frame from %s: %v", c.ID, err)
			continue
		}
		c.hub.deliver(&frame{conn: c, env: env})
	}
}

// WritePump pumps frames from the hub to the websocket connection.
// This runs in its own goroutine per connection.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each event is its own frame; clients parse one envelope per frame.
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
