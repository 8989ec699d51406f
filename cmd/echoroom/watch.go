package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	echoroom "github.com/Dealsa44/EchoRoom-sub000"
	"github.com/spf13/cobra"
)

var watchRoom bool

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation or room live",
	Long:  "Connect the realtime channel and print messages and typing indicators as they arrive.\nFalls back to polling while disconnected. Stop with Ctrl+C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cache, closeCache := getCache()
		defer closeCache()

		channel := getChannel()
		ctx := context.Background()
		if err := channel.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Realtime unavailable (%v); polling instead.\n", err)
		}
		defer channel.Disconnect()

		unsubConn := channel.OnConnectionChange(func(connected bool) {
			if connected {
				fmt.Println("-- reconnected --")
			} else {
				fmt.Println("-- connection lost, polling --")
			}
		})
		defer unsubConn()

		if watchRoom {
			return watchRoomScope(ctx, client, channel, cache, args[0])
		}
		return watchConversation(ctx, client, channel, cache, args[0])
	},
}

func watchConversation(ctx context.Context, client *echoroom.Client, channel *echoroom.Channel, cache echoroom.CacheStore, id string) error {
	s := echoroom.NewConversationSync(client, channel, cache, id, nil)
	defer s.Close()

	gone := make(chan struct{})
	s.OnGone(func() { close(gone) })

	printed := make(map[string]bool)
	s.OnChange(func(st echoroom.ConversationState) {
		for _, m := range st.Messages {
			if !printed[m.ID] {
				printed[m.ID] = true
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.SenderID, m.Content)
			}
		}
	})
	s.Typing().OnChange(printTyping)

	s.Start(ctx)
	return waitInterrupt(gone)
}

func watchRoomScope(ctx context.Context, client *echoroom.Client, channel *echoroom.Channel, cache echoroom.CacheStore, id string) error {
	s := echoroom.NewRoomSync(client, channel, cache, id, nil)
	defer s.Close()

	gone := make(chan struct{})
	s.OnGone(func() { close(gone) })

	printed := make(map[string]bool)
	s.OnChange(func(st echoroom.RoomState) {
		for _, m := range st.Messages {
			if !printed[m.ID] {
				printed[m.ID] = true
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.SenderID, m.Content)
			}
		}
	})
	s.Typing().OnChange(printTyping)

	s.Start(ctx)
	return waitInterrupt(gone)
}

func printTyping(users []string) {
	if len(users) == 0 {
		return
	}
	fmt.Printf("-- %s typing --\n", strings.Join(users, ", "))
}

// waitInterrupt blocks until Ctrl+C or the scope disappears.
func waitInterrupt(gone <-chan struct{}) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		return nil
	case <-gone:
		fmt.Println("-- conversation no longer exists --")
		return nil
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchRoom, "room", false, "Treat the id as a room id")
	rootCmd.AddCommand(watchCmd)
}
