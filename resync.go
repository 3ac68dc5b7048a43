package chatsync

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Fetcher reads authoritative state from the REST collaborator. *Client
// implements it.
type Fetcher interface {
	RecentConversations(ctx context.Context) (ConversationList, error)
	ThreadHistory(ctx context.Context, counterpartID string) ([]Message, error)
}

// Resyncer pulls authoritative state after the live channel could have
// missed deliveries: on first open and after every reconnect.
type Resyncer struct {
	fetcher Fetcher
}

// NewResyncer creates a resync controller over fetcher.
func NewResyncer(fetcher Fetcher) *Resyncer {
	return &Resyncer{fetcher: fetcher}
}

// Resync fetches the recent-conversations list. The result replaces the
// local list wholesale; duplicate keys keep their first (most recent) entry.
func (r *Resyncer) Resync(ctx context.Context) (ConversationList, error) {
	fetched, err := r.fetcher.RecentConversations(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "resync conversations")
	}

	out := make(ConversationList, 0, len(fetched))
	seen := make(map[string]bool, len(fetched))
	for _, c := range fetched {
		if c.Key == "" || seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		c.IsPlaceholder = false
		out = append(out, c)
	}
	jww.DEBUG.Printf("[Resync] fetched %d conversations", len(out))
	return out, nil
}

// ResyncThread reloads the history of t and merges it. Pending optimistic
// entries that history supersedes are returned as stale, marked failed;
// entries named in inFlight are kept until their ack or timeout.
func (r *Resyncer) ResyncThread(ctx context.Context, t Thread, inFlight map[string]bool) (Thread, []Message, error) {
	history, err := r.FetchThread(ctx, t.Counterpart)
	if err != nil {
		return t, nil, err
	}
	merged, stale := r.MergeThread(t, history, inFlight)
	return merged, stale, nil
}

// FetchThread reads the authoritative history with counterpartID.
func (r *Resyncer) FetchThread(ctx context.Context, counterpartID string) ([]Message, error) {
	history, err := r.fetcher.ThreadHistory(ctx, counterpartID)
	if err != nil {
		return nil, errors.WithMessagef(err, "resync thread with %s", counterpartID)
	}
	return history, nil
}

// MergeThread applies fetched history to t. It is split from FetchThread so
// the merge can run against the thread as it is when the fetch completes.
func (r *Resyncer) MergeThread(t Thread, history []Message, inFlight map[string]bool) (Thread, []Message) {
	merged, stale := t.Merge(history, inFlight)
	for i := range stale {
		stale[i].Status = StatusFailed
	}
	if len(stale) > 0 {
		jww.INFO.Printf("[Resync] discarded %d stale optimistic messages in %s", len(stale), t.Key())
	}
	return merged, stale
}

// Replay re-applies messages that arrived live while a resync fetch was in
// flight. A message is applied only when the fetched list does not already
// reflect activity at least as recent for its conversation. profiles supplies
// counterpart data for entries the fetch did not return and may be nil.
func Replay(list ConversationList, self string, observed []Message, profiles map[string]Principal) ConversationList {
	for _, m := range observed {
		other := m.Counterpart(self)
		if other == "" {
			continue
		}
		if c, ok := list.Find(ConversationKey(self, other)); ok && !c.IsPlaceholder && !c.LastMessageAt.Before(m.CreatedAt) {
			continue
		}
		list = list.Upsert(self, m, profiles[other])
	}
	return list
}
