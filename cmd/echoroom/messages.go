package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	echoroom "github.com/Dealsa44/EchoRoom-sub000"
	"github.com/spf13/cobra"
)

var (
	messagesRoom bool
	messagesJSON bool

	sendRoom    bool
	sendType    string
	sendReplyTo string
)

// scopeArg resolves the scope from the id argument and the --room flag.
func scopeArg(id string, room bool) echoroom.Scope {
	kind := echoroom.KindDirect
	if room {
		kind = echoroom.KindGroup
	}
	return echoroom.Scope{ID: id, Kind: kind}
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation or room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.Messages.List(ctx, scopeArg(args[0], messagesRoom))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, err := json.MarshalIndent(messages, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range messages {
			reactions := ""
			for _, r := range m.Reactions {
				reactions += " " + r.Emoji
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt, m.SenderID, m.Content, reactions)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation or room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *echoroom.SendOptions
		if sendType != "" || sendReplyTo != "" {
			opts = &echoroom.SendOptions{Type: sendType}
			if sendReplyTo != "" {
				opts.ReplyTo = &sendReplyTo
			}
		}

		msg, err := client.Messages.Send(ctx, scopeArg(args[0], sendRoom), args[1], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Message sent.\n")
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle an emoji reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.React(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Reactions on %s:", msg.ID)
		for _, r := range msg.Reactions {
			fmt.Printf(" %s(%s)", r.Emoji, r.UserID)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	messagesCmd.Flags().BoolVar(&messagesRoom, "room", false, "Treat the id as a room id")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendRoom, "room", false, "Treat the id as a room id")
	sendCmd.Flags().StringVar(&sendType, "type", "", "Message type (text, image, voice, file)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id this message replies to")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
}
