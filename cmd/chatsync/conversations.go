package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/chatsync"
)

var (
	conversationsLimit int
	historyLimit       int
	searchLimit        int
	listJSON           bool
)

func init() {
	conversationsCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 20, "Maximum number of conversations")
	conversationsCmd.Flags().BoolVar(&listJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages")
	historyCmd.Flags().BoolVar(&listJSON, "json", false, "Output raw JSON")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
	searchCmd.Flags().BoolVar(&listJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(searchCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Conversations.Recent(ctx, &chatsync.PaginationOptions{Limit: conversationsLimit})
		if err != nil {
			return err
		}
		if !result.OK {
			return apiError(result)
		}
		if listJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var convs []chatsync.Conversation
		if err := result.Decode(&convs); err != nil {
			return fmt.Errorf("failed to decode conversations: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, cv := range convs {
			sender := ""
			if cv.LastMessageSenderID == cfg.Auth.PrincipalID {
				sender = "you: "
			}
			fmt.Printf("  %-20s %s  %s%s\n",
				cv.Counterpart.Name(),
				cv.LastMessageAt.Local().Format("Jan 02 15:04"),
				sender,
				truncate(cv.LastMessagePreview, 60))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <counterpart-id>",
	Short: "Show the message history with a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Threads.History(ctx, args[0], &chatsync.PaginationOptions{Limit: historyLimit})
		if err != nil {
			return err
		}
		if !result.OK {
			return apiError(result)
		}
		if listJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var msgs []chatsync.Message
		if err := result.Decode(&msgs); err != nil {
			return fmt.Errorf("failed to decode history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Printf("No messages with %s.\n", args[0])
			return nil
		}
		for _, m := range msgs {
			printMessage(cfg.Auth.PrincipalID, m)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find principals by id or display name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Principals.Search(ctx, args[0], &chatsync.PaginationOptions{Limit: searchLimit})
		if err != nil {
			return err
		}
		if !result.OK {
			return apiError(result)
		}
		if listJSON {
			fmt.Println(string(result.Data))
			return nil
		}

		var found []chatsync.Principal
		if err := result.Decode(&found); err != nil {
			return fmt.Errorf("failed to decode principals: %w", err)
		}
		if len(found) == 0 {
			fmt.Println("No principals found.")
			return nil
		}
		for _, p := range found {
			fmt.Printf("  %-24s %s\n", p.ID, p.Name())
		}
		return nil
	},
}

func printMessage(selfID string, m chatsync.Message) {
	from := m.SenderID
	if from == selfID {
		from = "you"
	}
	status := ""
	switch m.Status {
	case chatsync.StatusOptimistic:
		status = " (sending)"
	case chatsync.StatusFailed:
		status = " (failed)"
	}
	fmt.Printf("  [%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), from, m.Content, status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
