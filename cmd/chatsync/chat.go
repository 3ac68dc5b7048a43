package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/campusline/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

// threadPrinter prints each thread message once it settles. Sends show up
// when the router confirms them.
type threadPrinter struct {
	self    string
	printed map[string]bool
	banner  chatsync.Banner
}

func (p *threadPrinter) update(state chatsync.ChatState) {
	if state.Banner != p.banner {
		p.banner = state.Banner
		switch state.Banner {
		case chatsync.BannerDisconnected:
			fmt.Println("-- disconnected, messages will not be delivered")
		case chatsync.BannerSignedOut:
			fmt.Println("-- signed out, run 'chatsync register' again")
		case chatsync.BannerNone:
			fmt.Println("-- connected")
		}
	}

	for _, m := range state.Thread.Messages {
		if m.Status == chatsync.StatusOptimistic {
			continue
		}
		key := m.LocalID
		if m.ID != 0 {
			key = fmt.Sprintf("#%d", m.ID)
		}
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		printMessage(p.self, m)
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat <counterpart-id>",
	Short: "Open an interactive conversation",
	Long:  "Open an interactive conversation. Type a line to send it, /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		to := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		printer := &threadPrinter{self: cfg.Auth.PrincipalID, printed: make(map[string]bool)}
		presence := chatsync.NewPresenceTracker()
		presence.Observe(func(rec chatsync.PresenceRecord) {
			if rec.PrincipalID != to {
				return
			}
			if rec.Online {
				fmt.Printf("-- %s is online\n", to)
			} else {
				fmt.Printf("-- %s went offline\n", to)
			}
		})

		lc, err := openChat(ctx, client, cfg, chatsync.ChatOptions{
			Presence: presence,
			OnChange: printer.update,
			OnSendFailed: func(m chatsync.Message, cause error) {
				fmt.Printf("-- not delivered: %q (%v)\n", m.Content, cause)
			},
		})
		if err != nil {
			return err
		}
		defer lc.Close()

		counterpart := chatsync.Principal{ID: to}
		if found, err := client.SearchPrincipals(ctx, to); err == nil {
			for _, p := range found {
				if p.ID == to {
					counterpart = p
				}
			}
		}
		lc.chat.OpenThread(counterpart)
		fmt.Printf("Chatting with %s. Type /quit to leave.\n", counterpart.Name())

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit":
					return nil
				}
				if _, err := lc.chat.Submit(to, line); err != nil {
					fmt.Printf("-- %v\n", err)
				}
			}
		}
	},
}
