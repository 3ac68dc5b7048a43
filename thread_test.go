package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func optimistic(localID, from, to, content string, at time.Time) Message {
	return Message{LocalID: localID, SenderID: from, ReceiverID: to, Content: content, CreatedAt: at, Status: StatusOptimistic}
}

func canonical(id int64, clientID, from, to, content string, at time.Time) Message {
	return Message{ID: id, ClientID: clientID, SenderID: from, ReceiverID: to, Content: content, CreatedAt: at, Status: StatusConfirmed}
}

func TestThreadConfirm(t *testing.T) {
	t.Run("ack replaces optimistic entry in place", func(t *testing.T) {
		th := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))
		require.Len(t, th.Pending(), 1)

		th, outcome := th.Confirm(canonical(7, "", "alice", "bob", "Hi", t0.Add(time.Second)), "l1")
		assert.Equal(t, OutcomeConfirmed, outcome)
		require.Len(t, th.Messages, 1)
		assert.Equal(t, int64(7), th.Messages[0].ID)
		assert.Equal(t, StatusConfirmed, th.Messages[0].Status)
		assert.Empty(t, th.Messages[0].LocalID)
		assert.Equal(t, "l1", th.Messages[0].ClientID)
		assert.Empty(t, th.Pending())
	})

	t.Run("echo after ack is a duplicate", func(t *testing.T) {
		th := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))
		msg := canonical(7, "l1", "alice", "bob", "Hi", t0)
		th, _ = th.Confirm(msg, "l1")
		th, outcome := th.Receive(msg, "l1")
		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Len(t, th.Messages, 1)
	})

	t.Run("ack that overtakes its optimistic entry", func(t *testing.T) {
		th, outcome := NewThread("alice", "bob").Confirm(canonical(7, "l1", "alice", "bob", "Hi", t0), "l1")
		assert.Equal(t, OutcomeInserted, outcome)

		th = th.AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))
		require.Len(t, th.Messages, 1)
		assert.Equal(t, int64(7), th.Messages[0].ID)
	})
}

func TestThreadExactlyOnce(t *testing.T) {
	msg := canonical(7, "l1", "alice", "bob", "Hi", t0.Add(10*time.Millisecond))
	steps := map[string]func(Thread) Thread{
		"add":  func(th Thread) Thread { return th.AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0)) },
		"ack":  func(th Thread) Thread { th, _ = th.Confirm(msg, "l1"); return th },
		"push": func(th Thread) Thread { th, _ = th.Receive(msg, "l1"); return th },
	}
	orders := [][]string{
		{"add", "ack", "push"},
		{"add", "push", "ack"},
		{"ack", "add", "push"},
		{"ack", "push", "add"},
		{"push", "add", "ack"},
		{"push", "ack", "add"},
	}

	for _, order := range orders {
		name := order[0] + "-" + order[1] + "-" + order[2]
		t.Run(name, func(t *testing.T) {
			th := NewThread("alice", "bob")
			for _, step := range order {
				th = steps[step](th)
			}
			require.Len(t, th.Messages, 1)
			assert.Equal(t, int64(7), th.Messages[0].ID)
			assert.Equal(t, StatusConfirmed, th.Messages[0].Status)
		})
	}
}

func TestThreadReceive(t *testing.T) {
	t.Run("counterpart messages are inserted in order", func(t *testing.T) {
		th := NewThread("bob", "alice")
		th, outcome := th.Receive(canonical(2, "", "alice", "bob", "second", t0.Add(time.Second)), "")
		assert.Equal(t, OutcomeInserted, outcome)
		th, _ = th.Receive(canonical(1, "", "alice", "bob", "first", t0), "")

		require.Len(t, th.Messages, 2)
		assert.Equal(t, "first", th.Messages[0].Content)
		assert.Equal(t, "second", th.Messages[1].Content)
	})

	t.Run("repeated push is idempotent", func(t *testing.T) {
		msg := canonical(1, "", "alice", "bob", "Hi", t0)
		th, _ := NewThread("bob", "alice").Receive(msg, "")
		th, outcome := th.Receive(msg, "")
		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Len(t, th.Messages, 1)
	})

	t.Run("other conversations are ignored", func(t *testing.T) {
		th, outcome := NewThread("bob", "alice").Receive(canonical(1, "", "carol", "bob", "Hi", t0), "")
		assert.Equal(t, OutcomeIgnored, outcome)
		assert.Empty(t, th.Messages)
	})

	t.Run("messages without an id are ignored", func(t *testing.T) {
		_, outcome := NewThread("bob", "alice").Receive(canonical(0, "", "alice", "bob", "Hi", t0), "")
		assert.Equal(t, OutcomeIgnored, outcome)
	})

	t.Run("receiver is left untouched", func(t *testing.T) {
		before := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))
		after, _ := before.Confirm(canonical(7, "l1", "alice", "bob", "Hi", t0), "l1")
		assert.Equal(t, StatusOptimistic, before.Messages[0].Status)
		assert.Equal(t, StatusConfirmed, after.Messages[0].Status)
	})
}

func TestThreadHeuristicMatch(t *testing.T) {
	base := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))

	t.Run("same content inside the window", func(t *testing.T) {
		th, outcome := base.Receive(canonical(7, "", "alice", "bob", "Hi", t0.Add(2*time.Second)), "")
		assert.Equal(t, OutcomeConfirmed, outcome)
		assert.Len(t, th.Messages, 1)
	})

	t.Run("outside the window", func(t *testing.T) {
		th, outcome := base.Receive(canonical(7, "", "alice", "bob", "Hi", t0.Add(time.Minute)), "")
		assert.Equal(t, OutcomeInserted, outcome)
		assert.Len(t, th.Messages, 2)
	})

	t.Run("custom window", func(t *testing.T) {
		narrow := base
		narrow.MatchWindow = 500 * time.Millisecond
		_, outcome := narrow.Receive(canonical(7, "", "alice", "bob", "Hi", t0.Add(2*time.Second)), "")
		assert.Equal(t, OutcomeInserted, outcome)
	})

	t.Run("different correlation id never matches", func(t *testing.T) {
		th, outcome := base.Receive(canonical(7, "other", "alice", "bob", "Hi", t0), "other")
		assert.Equal(t, OutcomeInserted, outcome)
		assert.Len(t, th.Pending(), 1)
	})

	t.Run("counterpart with same text does not resolve own send", func(t *testing.T) {
		th, outcome := base.Receive(canonical(8, "", "bob", "alice", "Hi", t0), "")
		assert.Equal(t, OutcomeInserted, outcome)
		assert.Len(t, th.Pending(), 1)
	})

	t.Run("identical sends resolve one at a time", func(t *testing.T) {
		th := base.AddOptimistic(optimistic("l2", "alice", "bob", "Hi", t0.Add(time.Millisecond)))
		th, _ = th.Receive(canonical(7, "", "alice", "bob", "Hi", t0), "")
		assert.Len(t, th.Pending(), 1)
		th, _ = th.Receive(canonical(8, "", "alice", "bob", "Hi", t0), "")
		assert.Empty(t, th.Pending())
		assert.Len(t, th.Messages, 2)
	})
}

func TestThreadFail(t *testing.T) {
	th := NewThread("alice", "bob").
		AddOptimistic(optimistic("l1", "alice", "bob", "one", t0)).
		AddOptimistic(optimistic("l2", "alice", "bob", "two", t0.Add(time.Second)))

	next, failed, ok := th.Fail("l1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "one", failed.Content)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, "l2", next.Messages[0].LocalID)

	_, _, ok = next.Fail("l1")
	assert.False(t, ok)

	confirmed, _ := next.Confirm(canonical(3, "l2", "alice", "bob", "two", t0), "l2")
	_, _, ok = confirmed.Fail("l2")
	assert.False(t, ok, "confirmed messages cannot fail")
}

func TestThreadAddOptimistic(t *testing.T) {
	th := NewThread("alice", "bob")

	assert.Empty(t, th.AddOptimistic(optimistic("", "alice", "bob", "x", t0)).Messages)
	assert.Empty(t, th.AddOptimistic(optimistic("l1", "alice", "carol", "x", t0)).Messages)

	th = th.AddOptimistic(optimistic("l1", "alice", "bob", "x", t0))
	th = th.AddOptimistic(optimistic("l1", "alice", "bob", "x", t0))
	assert.Len(t, th.Messages, 1)
}

func TestThreadMerge(t *testing.T) {
	t.Run("history replaces confirmed contents", func(t *testing.T) {
		th, _ := NewThread("alice", "bob").Receive(canonical(1, "", "bob", "alice", "old", t0), "")
		history := []Message{
			canonical(1, "", "bob", "alice", "old", t0),
			canonical(2, "", "alice", "bob", "missed", t0.Add(time.Second)),
			canonical(2, "", "alice", "bob", "missed", t0.Add(time.Second)),
			canonical(9, "", "carol", "alice", "elsewhere", t0),
		}
		merged, stale := th.Merge(history, nil)
		assert.Empty(t, stale)
		require.Len(t, merged.Messages, 2)
		assert.Equal(t, int64(2), merged.Messages[1].ID)
	})

	t.Run("delivered pending entry is dropped", func(t *testing.T) {
		th := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "Hi", t0))
		merged, stale := th.Merge([]Message{canonical(4, "l1", "alice", "bob", "Hi", t0.Add(time.Hour))}, nil)
		assert.Empty(t, stale)
		require.Len(t, merged.Messages, 1)
		assert.Equal(t, int64(4), merged.Messages[0].ID)
	})

	t.Run("pending entry superseded by newer history is stale", func(t *testing.T) {
		th := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "lost", t0))
		merged, stale := th.Merge([]Message{canonical(5, "", "bob", "alice", "later", t0.Add(time.Minute))}, nil)
		require.Len(t, stale, 1)
		assert.Equal(t, "l1", stale[0].LocalID)
		require.Len(t, merged.Messages, 1)
		assert.Equal(t, int64(5), merged.Messages[0].ID)
	})

	t.Run("pending entry survives when history holds nothing new", func(t *testing.T) {
		th, _ := NewThread("alice", "bob").Receive(canonical(5, "", "bob", "alice", "earlier", t0), "")
		th = th.AddOptimistic(optimistic("l1", "alice", "bob", "fresh", t0.Add(-time.Hour)))
		merged, stale := th.Merge([]Message{canonical(5, "", "bob", "alice", "earlier", t0)}, nil)
		assert.Empty(t, stale, "the client clock of the pending entry is not compared")
		require.Len(t, merged.Messages, 2)
	})

	t.Run("in-flight entry is never stale", func(t *testing.T) {
		// The router clock runs ahead of the client's.
		th := NewThread("alice", "bob").AddOptimistic(optimistic("l1", "alice", "bob", "hi", t0))
		history := []Message{canonical(3, "", "bob", "alice", "earlier", t0.Add(time.Second))}
		merged, stale := th.Merge(history, map[string]bool{"l1": true})
		assert.Empty(t, stale)
		require.Len(t, merged.Messages, 2)

		confirmed, outcome := merged.Confirm(canonical(4, "l1", "alice", "bob", "hi", t0.Add(1200*time.Millisecond)), "l1")
		assert.Equal(t, OutcomeConfirmed, outcome)
		require.Len(t, confirmed.Messages, 2)
		assert.Empty(t, confirmed.Pending())
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ignored", OutcomeIgnored.String())
	assert.Equal(t, "inserted", OutcomeInserted.String())
	assert.Equal(t, "confirmed", OutcomeConfirmed.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
}
