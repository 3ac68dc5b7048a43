package chatsync

import "strings"

// ConversationKey returns the order-independent key of the pairwise
// conversation between a and b.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// ConversationParticipants splits a key produced by ConversationKey.
func ConversationParticipants(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, "dm:")
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// ConversationList is the recent-conversations list, most recent first.
//
// All methods return a new list and never modify the receiver, so a list
// value handed to a renderer stays stable.
type ConversationList []Conversation

// Find returns the entry for key.
func (l ConversationList) Find(key string) (Conversation, bool) {
	if i := l.index(key); i >= 0 {
		return l[i], true
	}
	return Conversation{}, false
}

func (l ConversationList) index(key string) int {
	for i, c := range l {
		if c.Key == key {
			return i
		}
	}
	return -1
}

// Upsert records msg as the latest activity between self and its
// counterpart. The entry for the pair is removed and re-inserted at the head.
// counterpart supplies profile data; when its ID does not match the message's
// counterpart the existing entry's profile is kept.
//
// The preview only moves forward in time: a late confirmation of an older
// message bumps the entry to the head without overwriting a newer preview.
func (l ConversationList) Upsert(self string, msg Message, counterpart Principal) ConversationList {
	other := msg.Counterpart(self)
	if other == "" {
		return l
	}
	key := ConversationKey(self, other)

	entry := Conversation{Key: key, Counterpart: Principal{ID: other}}
	existing, found := l.Find(key)
	if found {
		entry.Counterpart = existing.Counterpart
	}
	if counterpart.ID == other {
		entry.Counterpart = counterpart
	}

	if found && !existing.IsPlaceholder && existing.LastMessageAt.After(msg.CreatedAt) {
		entry.LastMessagePreview = existing.LastMessagePreview
		entry.LastMessageAt = existing.LastMessageAt
		entry.LastMessageSenderID = existing.LastMessageSenderID
	} else {
		entry.LastMessagePreview = msg.Content
		entry.LastMessageAt = msg.CreatedAt
		entry.LastMessageSenderID = msg.SenderID
	}

	out := make(ConversationList, 0, len(l)+1)
	out = append(out, entry)
	for _, c := range l {
		if c.Key != key {
			out = append(out, c)
		}
	}
	return out
}

// Revert takes a failed send back out of the list. When the entry for the
// pair still previews failed, it is replaced by prev, or removed when the
// pair had no entry before the send. Newer activity on the pair is kept.
func (l ConversationList) Revert(failed Message, prev Conversation, hadPrev bool) ConversationList {
	i := l.index(failed.Key())
	if i < 0 || !previewOf(l[i], failed) {
		return l
	}

	out := make(ConversationList, 0, len(l))
	out = append(out, l[:i]...)
	out = append(out, l[i+1:]...)
	if !hadPrev {
		return out
	}
	if prev.IsPlaceholder {
		return append(ConversationList{prev}, out...)
	}

	at := len(out)
	for j, c := range out {
		if !c.IsPlaceholder && c.LastMessageAt.Before(prev.LastMessageAt) {
			at = j
			break
		}
	}
	out = append(out, Conversation{})
	copy(out[at+1:], out[at:])
	out[at] = prev
	return out
}

// previewOf reports whether c currently previews msg.
func previewOf(c Conversation, msg Message) bool {
	return !c.IsPlaceholder &&
		c.LastMessageSenderID == msg.SenderID &&
		c.LastMessagePreview == msg.Content &&
		c.LastMessageAt.Equal(msg.CreatedAt)
}

// EnsurePlaceholder inserts a placeholder entry at the head for a
// counterpart with no existing entry. Existing entries are left in place.
func (l ConversationList) EnsurePlaceholder(self string, counterpart Principal) ConversationList {
	if counterpart.ID == "" || counterpart.ID == self {
		return l
	}
	key := ConversationKey(self, counterpart.ID)
	if l.index(key) >= 0 {
		return l
	}
	out := make(ConversationList, 0, len(l)+1)
	out = append(out, Conversation{Key: key, Counterpart: counterpart, IsPlaceholder: true})
	return append(out, l...)
}

// Previews returns the entries that carry real message previews, in order.
func (l ConversationList) Previews() ConversationList {
	out := make(ConversationList, 0, len(l))
	for _, c := range l {
		if !c.IsPlaceholder {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a copy that shares no backing array with l.
func (l ConversationList) Clone() ConversationList {
	if l == nil {
		return nil
	}
	return append(ConversationList(nil), l...)
}
