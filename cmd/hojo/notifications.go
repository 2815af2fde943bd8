package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var notificationsJSON bool

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification commands",
	Long:  "List and manage server-side notifications.",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		items, err := client.Notifications.FetchNotifications(ctx, cfg.Auth.UserID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsJSON {
			data, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range items {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			ts := time.UnixMilli(n.CreatedAt).Format(time.RFC3339)
			fmt.Printf("%s [%s] %-12s %s\n", marker, ts, n.Type, n.Title)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.MarkNotificationRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Notification marked as read.")
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.MarkAllNotificationsRead(ctx, cfg.Auth.UserID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read.")
		return nil
	},
}

var notificationsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications.ClearNotifications(ctx, cfg.Auth.UserID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Notifications cleared.")
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsClearCmd)

	rootCmd.AddCommand(notificationsCmd)
}
