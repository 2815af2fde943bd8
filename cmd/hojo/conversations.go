package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsUnread bool
	conversationsJSON   bool

	messagesLimit int
	messagesJSON  bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Conversation commands",
	Long:  "List conversations and manage their read state.",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			marker := " "
			if c.UnreadCount > 0 {
				marker = "*"
			}
			fmt.Printf("%s %-28s %-8s unread=%d\n", marker, c.ID, c.Type, c.UnreadCount)
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read\n", args[0])
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Fetch messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Messages.FetchMessages(ctx, args[0], messagesLimit, 0)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			ts := time.UnixMilli(m.CreatedAt).Format(time.RFC3339)
			fmt.Printf("[%s] %s: %s\n", ts, m.SenderName, m.Content)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
