//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusline/chatsync"
)

// helpers ---------------------------------------------------------------

func testBaseURL(t *testing.T) string {
	t.Helper()
	base := os.Getenv("CHATSYNC_URL_TEST")
	if base == "" {
		t.Skip("CHATSYNC_URL_TEST is not set")
	}
	return base
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func register(t *testing.T, base, prefix string) (*chatsync.Client, chatsync.Principal) {
	t.Helper()
	client := chatsync.NewClient("", chatsync.WithBaseURL(base))
	data, err := client.Register(context.Background(), &chatsync.RegisterOptions{ID: uniqueName(prefix)})
	require.NoError(t, err)
	return client, data.Principal
}

func startChat(t *testing.T, client *chatsync.Client, me chatsync.Principal) *chatsync.Chat {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	session := client.NewSession(chatsync.DefaultSessionConfig(""))
	chat := chatsync.NewChat(me, session, client, chatsync.ChatOptions{})
	chat.Attach(session)
	go chat.Run(ctx)

	require.NoError(t, session.Connect(ctx))
	t.Cleanup(func() { session.Close() })
	return chat
}

// =======================================================================
// Full round trip against a running router
// =======================================================================

func TestIntegration_RoundTrip(t *testing.T) {
	base := testBaseURL(t)
	ctx := context.Background()

	aliceClient, alice := register(t, base, "alice")
	bobClient, bob := register(t, base, "bob")

	aliceChat := startChat(t, aliceClient, alice)
	bobChat := startChat(t, bobClient, bob)

	aliceChat.OpenThread(bob)
	bobChat.OpenThread(alice)

	_, err := aliceChat.Submit(bob.ID, "Hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		th := bobChat.Snapshot().Thread
		return len(th.Messages) == 1 && th.Messages[0].Content == "Hi"
	}, 5*time.Second, 50*time.Millisecond, "bob never received the message")

	require.Eventually(t, func() bool {
		th := aliceChat.Snapshot().Thread
		return len(th.Messages) == 1 && th.Messages[0].Status == chatsync.StatusConfirmed
	}, 5*time.Second, 50*time.Millisecond, "alice's send was never confirmed")

	history, err := aliceClient.ThreadHistory(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, aliceChat.Snapshot().Thread.Messages[0].ID, history[0].ID)

	list, err := bobClient.RecentConversations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, alice.ID, list[0].Counterpart.ID)
	assert.Equal(t, "Hi", list[0].LastMessagePreview)
}

func TestIntegration_Presence(t *testing.T) {
	base := testBaseURL(t)

	aliceClient, alice := register(t, base, "alice")
	bobClient, bob := register(t, base, "bob")

	aliceChat := startChat(t, aliceClient, alice)
	_ = startChat(t, bobClient, bob)

	assert.Eventually(t, func() bool {
		return aliceChat.Presence().IsOnline(bob.ID)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestIntegration_BadToken(t *testing.T) {
	base := testBaseURL(t)

	_, err := chatsync.OpenSession(context.Background(), base, chatsync.SessionConfig{Token: "not-a-token"})
	require.Error(t, err)
	assert.True(t, chatsync.IsAuthError(err))
}
