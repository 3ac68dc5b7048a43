package chatsync

import (
	"sort"
	"time"
)

// DefaultMatchWindow bounds the content+time heuristic used when an ack or
// echo carries no client id.
const DefaultMatchWindow = 5 * time.Second

// Outcome describes what a reconciliation step did to a thread.
type Outcome int

const (
	// OutcomeIgnored means the message does not belong to the thread.
	OutcomeIgnored Outcome = iota
	// OutcomeInserted means a new visible entry was added.
	OutcomeInserted
	// OutcomeConfirmed means an optimistic entry was replaced in place.
	OutcomeConfirmed
	// OutcomeDuplicate means the message was already visible.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "ignored"
}

// Thread is the ordered message list of the open conversation between Self
// and Counterpart. Messages is kept sorted by CreatedAt (stable).
//
// Thread is a value: every method returns the next thread and leaves the
// receiver untouched.
type Thread struct {
	Self        string
	Counterpart string
	Messages    []Message

	// MatchWindow overrides DefaultMatchWindow when positive.
	MatchWindow time.Duration
}

// NewThread returns an empty thread between self and counterpart.
func NewThread(self, counterpart string) Thread {
	return Thread{Self: self, Counterpart: counterpart}
}

// Key returns the conversation key of the thread.
func (t Thread) Key() string {
	return ConversationKey(t.Self, t.Counterpart)
}

// Belongs reports whether m is part of this conversation.
func (t Thread) Belongs(m Message) bool {
	return (m.SenderID == t.Self && m.ReceiverID == t.Counterpart) ||
		(m.SenderID == t.Counterpart && m.ReceiverID == t.Self)
}

// Pending returns the optimistic entries still awaiting confirmation.
func (t Thread) Pending() []Message {
	var out []Message
	for _, m := range t.Messages {
		if m.Status == StatusOptimistic {
			out = append(out, m)
		}
	}
	return out
}

func (t Thread) window() time.Duration {
	if t.MatchWindow > 0 {
		return t.MatchWindow
	}
	return DefaultMatchWindow
}

func (t Thread) with(msgs []Message) Thread {
	next := t
	next.Messages = msgs
	sortMessages(next.Messages)
	return next
}

func (t Thread) copyMessages() []Message {
	return append(make([]Message, 0, len(t.Messages)+1), t.Messages...)
}

// AddOptimistic appends a locally created message. Entries without a LocalID
// or from another conversation are ignored.
func (t Thread) AddOptimistic(m Message) Thread {
	if m.LocalID == "" || !t.Belongs(m) {
		return t
	}
	for _, existing := range t.Messages {
		// Already present, or already resolved by an ack that overtook it.
		if existing.LocalID == m.LocalID || existing.ClientID == m.LocalID {
			return t
		}
	}
	m.Status = StatusOptimistic
	m.ID = 0
	return t.with(append(t.copyMessages(), m))
}

// Confirm applies the router's ack for one of this client's sends.
func (t Thread) Confirm(canonical Message, clientID string) (Thread, Outcome) {
	return t.reconcile(canonical, clientID)
}

// Receive applies a pushed message: either a message from the counterpart or
// an echo of a message this principal sent from any session.
func (t Thread) Receive(canonical Message, clientID string) (Thread, Outcome) {
	return t.reconcile(canonical, clientID)
}

func (t Thread) reconcile(canonical Message, clientID string) (Thread, Outcome) {
	if !t.Belongs(canonical) || canonical.ID == 0 {
		return t, OutcomeIgnored
	}
	canonical.Status = StatusConfirmed
	canonical.LocalID = ""
	if canonical.ClientID == "" {
		canonical.ClientID = clientID
	}

	for _, m := range t.Messages {
		if m.ID == canonical.ID {
			return t, OutcomeDuplicate
		}
	}

	if i := t.matchOptimistic(canonical); i >= 0 {
		msgs := t.copyMessages()
		msgs[i] = canonical
		return t.with(msgs), OutcomeConfirmed
	}

	return t.with(append(t.copyMessages(), canonical)), OutcomeInserted
}

// matchOptimistic finds the optimistic entry the canonical message resolves.
// A correlation id match wins; otherwise the first unresolved optimistic
// entry from the same sender with identical content inside the window.
func (t Thread) matchOptimistic(canonical Message) int {
	clientID := canonical.ClientID
	if clientID != "" {
		for i, m := range t.Messages {
			if m.Status == StatusOptimistic && m.LocalID == clientID {
				return i
			}
		}
	}
	if canonical.SenderID != t.Self {
		return -1
	}
	window := t.window()
	for i, m := range t.Messages {
		if m.Status != StatusOptimistic || m.SenderID != canonical.SenderID || m.Content != canonical.Content {
			continue
		}
		// An optimistic entry carrying a different correlation id belongs to
		// another send.
		if clientID != "" && m.LocalID != "" && m.LocalID != clientID {
			continue
		}
		if absDuration(canonical.CreatedAt.Sub(m.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

// Fail removes the optimistic entry with localID and returns it marked
// failed. ok is false when no such pending entry exists.
func (t Thread) Fail(localID string) (Thread, Message, bool) {
	for i, m := range t.Messages {
		if m.Status == StatusOptimistic && m.LocalID == localID {
			msgs := t.copyMessages()
			msgs = append(msgs[:i], msgs[i+1:]...)
			m.Status = StatusFailed
			return t.with(msgs), m, true
		}
	}
	return t, Message{}, false
}

// Merge replaces the confirmed contents of the thread with authoritative
// history and returns the pending entries it discards as stale.
//
// A pending entry is dropped when history holds its delivered equivalent.
// Entries named in inFlight still await their ack and are always kept. Any
// other pending entry is stale when history holds a message newer than the
// newest confirmed message the thread already had; both sides of that
// comparison are router timestamps.
func (t Thread) Merge(history []Message, inFlight map[string]bool) (Thread, []Message) {
	var known time.Time
	for _, m := range t.Messages {
		if m.Status == StatusConfirmed && m.CreatedAt.After(known) {
			known = m.CreatedAt
		}
	}

	msgs := make([]Message, 0, len(history)+len(t.Messages))
	seen := make(map[int64]bool, len(history))
	advanced := false
	for _, h := range history {
		if !t.Belongs(h) || h.ID == 0 || seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		h.Status = StatusConfirmed
		h.LocalID = ""
		msgs = append(msgs, h)
		if h.CreatedAt.After(known) {
			advanced = true
		}
	}

	var stale []Message
	claimed := make(map[int64]bool)
	window := t.window()
	for _, p := range t.Pending() {
		if i := equivalentIndex(msgs, p, window, claimed); i >= 0 {
			claimed[msgs[i].ID] = true
			continue
		}
		if advanced && !inFlight[p.LocalID] {
			stale = append(stale, p)
			continue
		}
		msgs = append(msgs, p)
	}
	return t.with(msgs), stale
}

func equivalentIndex(msgs []Message, p Message, window time.Duration, claimed map[int64]bool) int {
	for i, m := range msgs {
		if m.Status != StatusConfirmed || claimed[m.ID] {
			continue
		}
		if m.ClientID != "" && m.ClientID == p.LocalID {
			return i
		}
		if m.SenderID == p.SenderID && m.Content == p.Content &&
			absDuration(m.CreatedAt.Sub(p.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

// sortMessages orders by CreatedAt, keeping the relative order of entries
// with equal timestamps.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
