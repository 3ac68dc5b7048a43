package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/chatsync"
)

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the router to confirm")
	rootCmd.AddCommand(sendCmd)
}

// liveChat is a connected session with a running chat loop.
type liveChat struct {
	session *chatsync.Session
	chat    *chatsync.Chat
}

// openChat connects a session for the stored principal and starts a chat
// loop on it. The loop stops when ctx is done.
func openChat(ctx context.Context, client *chatsync.Client, cfg *Config, opts chatsync.ChatOptions) (*liveChat, error) {
	session := client.NewSession(chatsync.DefaultSessionConfig(cfg.Auth.Token))
	chat := chatsync.NewChat(self(cfg), session, client, opts)
	chat.Attach(session)
	go chat.Run(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := session.Connect(connectCtx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &liveChat{session: session, chat: chat}, nil
}

func (lc *liveChat) Close() {
	lc.session.Close()
}

var sendCmd = &cobra.Command{
	Use:   "send <counterpart-id> <message>",
	Short: "Send one message and wait for the router to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		to, content := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			localID string
			once    sync.Once
		)
		done := make(chan error, 1)
		finish := func(err error) {
			once.Do(func() { done <- err })
		}
		target := func() string {
			mu.Lock()
			defer mu.Unlock()
			return localID
		}

		lc, err := openChat(ctx, client, cfg, chatsync.ChatOptions{
			OnChange: func(state chatsync.ChatState) {
				id := target()
				if id == "" {
					return
				}
				for _, m := range state.Thread.Messages {
					if m.ClientID == id && m.Status == chatsync.StatusConfirmed {
						finish(nil)
						return
					}
				}
			},
			OnSendFailed: func(m chatsync.Message, cause error) {
				if m.LocalID == target() {
					finish(cause)
				}
			},
		})
		if err != nil {
			return err
		}
		defer lc.Close()

		lc.chat.OpenThread(chatsync.Principal{ID: to})

		mu.Lock()
		localID, err = lc.chat.Submit(to, content)
		mu.Unlock()
		if err != nil {
			return err
		}

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("message not delivered: %w", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("no confirmation within %s", sendTimeout)
		}

		fmt.Printf("Sent to %s (%s)\n", to, localID)
		return nil
	},
}
