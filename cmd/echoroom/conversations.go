package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	convUnarchive bool
	convUnpin     bool
	convUnmute    bool
)

var convCmd = &cobra.Command{
	Use:   "conv",
	Short: "Manage direct conversations",
}

var convDirectCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or create) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		dc, err := client.Conversations.GetOrCreateDirect(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Conversation: %s\n", dc.ID)
		fmt.Printf("With:         %s (%s)\n", dc.OtherUser.DisplayName, dc.OtherUser.ID)
		return nil
	},
}

var convArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation (use --undo to unarchive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.SetArchived(ctx, args[0], !convUnarchive); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if convUnarchive {
			fmt.Println("Conversation unarchived.")
		} else {
			fmt.Println("Conversation archived.")
		}
		return nil
	},
}

var convPinCmd = &cobra.Command{
	Use:   "pin <conversation-id>",
	Short: "Pin a conversation to the top of the inbox (use --undo to unpin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.SetPinned(ctx, args[0], !convUnpin); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if convUnpin {
			fmt.Println("Conversation unpinned.")
		} else {
			fmt.Println("Conversation pinned.")
		}
		return nil
	},
}

var convMuteCmd = &cobra.Command{
	Use:   "mute <conversation-id>",
	Short: "Mute a conversation's notifications (use --undo to unmute)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.SetMuted(ctx, args[0], !convUnmute); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if convUnmute {
			fmt.Println("Conversation unmuted.")
		} else {
			fmt.Println("Conversation muted.")
		}
		return nil
	},
}

var convReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Conversation marked as read.")
		return nil
	},
}

var convDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Conversations.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		client.Invalidate("conversations")
		fmt.Println("Conversation deleted.")
		return nil
	},
}

func init() {
	convArchiveCmd.Flags().BoolVar(&convUnarchive, "undo", false, "Unarchive instead")
	convPinCmd.Flags().BoolVar(&convUnpin, "undo", false, "Unpin instead")
	convMuteCmd.Flags().BoolVar(&convUnmute, "undo", false, "Unmute instead")

	convCmd.AddCommand(convDirectCmd)
	convCmd.AddCommand(convArchiveCmd)
	convCmd.AddCommand(convPinCmd)
	convCmd.AddCommand(convMuteCmd)
	convCmd.AddCommand(convReadCmd)
	convCmd.AddCommand(convDeleteCmd)
	rootCmd.AddCommand(convCmd)
}
