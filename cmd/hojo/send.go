package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	hojo "github.com/snoopyylion/hojo-realtime-go"
	"github.com/spf13/cobra"
)

var (
	sendType    string
	sendReplyTo string
	sendJSON    bool
)

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", hojo.MessageText, "Message type (text, image, file)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id being replied to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.SendMessage(ctx, conversationID, content, sendType, sendReplyTo)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}
