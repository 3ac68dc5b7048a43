// Package store persists principals and messages for the router.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/campusline/chatsync"
)

// ErrNotFound is returned for unknown principals.
var ErrNotFound = errors.New("not found")

// DefaultLimit caps list queries that pass no limit.
const DefaultLimit = 50

// Store is the durable collaborator behind the router: append a message and
// get its canonical record back.
type Store interface {
	// Append assigns the canonical id and createdAt. A message whose
	// (SenderID, ClientID) was already stored returns the stored record and
	// duplicate=true.
	Append(ctx context.Context, msg chatsync.Message) (stored chatsync.Message, duplicate bool, err error)
	// Thread returns the latest limit messages between a and b, oldest first.
	Thread(ctx context.Context, a, b string, limit int) ([]chatsync.Message, error)
	// RecentConversations returns principalID's conversations, most recent first.
	RecentConversations(ctx context.Context, principalID string, limit int) ([]chatsync.Conversation, error)
	Principal(ctx context.Context, id string) (chatsync.Principal, error)
	PutPrincipal(ctx context.Context, p chatsync.Principal) error
	SearchPrincipals(ctx context.Context, query string, limit int) ([]chatsync.Principal, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultLimit
	}
	return limit
}

// nextCreatedAt keeps createdAt non-decreasing in id order.
func nextCreatedAt(now, last time.Time) time.Time {
	now = now.UTC()
	if now.Before(last) {
		return last
	}
	return now
}

func conversationFor(last chatsync.Message, counterpart chatsync.Principal) chatsync.Conversation {
	return chatsync.Conversation{
		Key:                 last.Key(),
		Counterpart:         counterpart,
		LastMessagePreview:  last.Content,
		LastMessageAt:       last.CreatedAt,
		LastMessageSenderID: last.SenderID,
	}
}

func matchesQuery(p chatsync.Principal, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.ID), q) || strings.Contains(strings.ToLower(p.DisplayName), q)
}
