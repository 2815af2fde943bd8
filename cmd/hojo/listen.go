package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	hojo "github.com/snoopyylion/hojo-realtime-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id]",
	Short: "Tail live events",
	Long:  "Connect to the realtime socket and print events as they arrive.\nWith a conversation id, also opens that conversation and shows typing state.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session := getSession()
		defer session.Close()

		session.OnConnected(func(scope hojo.Scope) {
			fmt.Printf("-- connected (%s)\n", scope)
		})
		session.OnDisconnected(func(scope hojo.Scope, code int, reason string) {
			fmt.Printf("-- disconnected (%s): %d %s\n", scope, code, reason)
		})
		session.OnReconnecting(func(scope hojo.Scope, attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (%s): attempt %d in %s\n", scope, attempt, delay)
		})
		session.On(hojo.EventNewMessage, func(ev *hojo.Event) {
			if ev.Message == nil {
				return
			}
			ts := time.UnixMilli(ev.Message.CreatedAt).Format("15:04:05")
			fmt.Printf("[%s] %s: %s\n", ts, ev.Message.SenderName, ev.Message.Content)
		})
		session.On(hojo.EventTypingUpdate, func(ev *hojo.Event) {
			if ev.IsTyping {
				fmt.Printf(".. %s is typing\n", ev.Username)
			}
		})
		session.On(hojo.EventUserPresence, func(ev *hojo.Event) {
			state := "offline"
			if ev.IsOnline {
				state = "online"
			}
			fmt.Printf(".. %s is %s\n", ev.Username, state)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		if len(args) == 1 {
			if err := session.OpenConversation(ctx, args[0]); err != nil {
				return fmt.Errorf("open conversation failed: %w", err)
			}
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down.")
		return nil
	},
}
