package router

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/campusline/chatsync"
	"github.com/campusline/chatsync/internal/store"
)

// upgrader upgrades HTTP connections to websocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var principalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)

// Server wires the hub, the REST collaborator and token auth into one
// http.Handler.
type Server struct {
	hub    *Hub
	store  store.Store
	tokens *chatsync.TokenIssuer
	router chi.Router
}

// NewServer builds the routes. Call Hub().Run before serving.
func NewServer(st store.Store, tokens *chatsync.TokenIssuer, corsOrigins []string) *Server {
	s := &Server{
		hub:    NewHub(st),
		store:  st,
		tokens: tokens,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	r.Get("/ws", s.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.register)

		r.Group(func(r chi.Router) {
			r.Use(tokens.Middleware)
			r.Get("/me", s.me)
			r.Get("/conversations", s.recentConversations)
			r.Get("/threads/{counterpartId}", s.threadHistory)
			r.Get("/principals", s.searchPrincipals)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the message router.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe runs the hub and serves addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

// ============================================================================
// Websocket
// ============================================================================

// serveWS handles GET /ws. The first frame must be a handshake carrying a
// bearer token.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("[HTTP] upgrade failed: %v", err)
		return
	}

	principalID, ok := handshake(ws, s.tokens)
	if !ok {
		ws.Close()
		return
	}
	if _, err := s.store.Principal(r.Context(), principalID); err != nil {
		writeDirect(ws, chatsync.EventAuthError, chatsync.AuthErrorPayload{Reason: "unknown principal"})
		ws.Close()
		return
	}

	conn := newConn(s.hub, ws, principalID)
	err = writeDirect(ws, chatsync.EventAuthenticated, chatsync.AuthenticatedPayload{
		PrincipalID:  principalID,
		RoomName:     RoomName(principalID),
		ConnectionID: conn.ID,
	})
	if err != nil || !s.hub.Register(conn) {
		ws.Close()
		return
	}

	go conn.WritePump()
	go conn.ReadPump()
}

// ============================================================================
// REST
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(chatsync.Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(chatsync.Result{Error: &chatsync.APIError{Code: code, Message: message}})
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// register handles POST /api/register
// Creates a principal and returns a bearer token for it.
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req chatsync.RegisterOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
		return
	}
	if !principalIDPattern.MatchString(req.ID) {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "id must be 1-64 letters, digits, or _.@-")
		return
	}

	_, err := s.store.Principal(r.Context(), req.ID)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "PRINCIPAL_EXISTS", "principal "+req.ID+" already exists")
		return
	case !errors.Is(err, store.ErrNotFound):
		jww.ERROR.Printf("[HTTP] register lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "lookup failed")
		return
	}

	p := chatsync.Principal{ID: req.ID, DisplayName: req.DisplayName, Email: req.Email, Avatar: req.Avatar}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	if err := s.store.PutPrincipal(r.Context(), p); err != nil {
		jww.ERROR.Printf("[HTTP] register: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not store principal")
		return
	}

	token, expiresAt := s.tokens.Issue(p.ID)
	jww.INFO.Printf("[HTTP] registered %s", p.ID)
	writeJSON(w, http.StatusCreated, chatsync.RegisterData{Principal: p, Token: token, ExpiresAt: expiresAt})
}

func principalOf(r *http.Request) string {
	id, _ := chatsync.PrincipalFromContext(r.Context())
	return id
}

// me handles GET /api/me
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Principal(r.Context(), principalOf(r))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "principal not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// recentConversations handles GET /api/conversations
func (s *Server) recentConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.RecentConversations(r.Context(), principalOf(r), queryLimit(r))
	if err != nil {
		jww.ERROR.Printf("[HTTP] recent conversations: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load conversations")
		return
	}
	if convs == nil {
		convs = []chatsync.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// threadHistory handles GET /api/threads/{counterpartId}
func (s *Server) threadHistory(w http.ResponseWriter, r *http.Request) {
	counterpartID := chi.URLParam(r, "counterpartId")
	if counterpartID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "counterpart id is required")
		return
	}
	msgs, err := s.store.Thread(r.Context(), principalOf(r), counterpartID, queryLimit(r))
	if err != nil {
		jww.ERROR.Printf("[HTTP] thread history: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load thread")
		return
	}
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// searchPrincipals handles GET /api/principals
func (s *Server) searchPrincipals(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.SearchPrincipals(r.Context(), r.URL.Query().Get("q"), queryLimit(r))
	if err != nil {
		jww.ERROR.Printf("[HTTP] search principals: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "search failed")
		return
	}
	if found == nil {
		found = []chatsync.Principal{}
	}
	writeJSON(w, http.StatusOK, found)
}
