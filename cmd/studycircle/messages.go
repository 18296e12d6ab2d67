package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	messagesLimit   int
	messagesJSON    bool
	messagesVerbose bool

	sendJSON    bool
	sendVerbose bool
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum number of messages to fetch")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesVerbose, "verbose", false, "Log requests to stderr")

	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")
	sendCmd.Flags().BoolVar(&sendVerbose, "verbose", false, "Log requests to stderr")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		backend, session, _ := getBackend(messagesVerbose)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		loader := newHistoryLoader(backend)
		msgs, err := loader.Load(ctx, conversationID, messagesLimit)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		self := session.CurrentUserID()
		for _, m := range msgs {
			printMessage(m.CreatedAt, m.SenderID, m.Content, m.SenderID == self)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]
		backend, session, _ := getBackend(sendVerbose)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		raw, err := backend.Insert(ctx, conversationID, session.CurrentUserID(), content, uuid.NewString())
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			fmt.Println(string(raw))
			return nil
		}
		fmt.Println("Sent.")
		return nil
	},
}
