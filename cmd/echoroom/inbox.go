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
	inboxView   string
	inboxSearch string
	inboxJSON   bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show the merged inbox feed",
	Long:  "Show direct conversations and joined rooms as one feed: pinned first, then newest activity.\nA cached snapshot paints immediately; the network refresh replaces it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cache, closeCache := getCache()
		defer closeCache()

		s := echoroom.NewListSync(client, getChannel(), cache, nil)
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.Start(ctx)

		// Wait for the first resolution: cache paint or network reply.
		deadline := time.Now().Add(10 * time.Second)
		for s.State().Loading && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		st := s.State()
		if st.Err != nil {
			return fmt.Errorf("inbox unavailable: %w", st.Err)
		}

		view := echoroom.View(inboxView)
		feed := s.Feed(view, inboxSearch)

		rememberTab(inboxView)

		if inboxJSON {
			data, err := json.MarshalIndent(feed, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(feed) == 0 {
			fmt.Println("Inbox is empty.")
			return nil
		}

		for _, it := range feed {
			marker := " "
			if it.IsPinned {
				marker = "*"
			}
			unread := ""
			if it.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d)", it.UnreadCount)
			}
			muted := ""
			if it.IsMuted {
				muted = " [muted]"
			}
			fmt.Printf("%s %-10s %-24s %s%s%s\n", marker, it.Kind, it.DisplayName, it.Preview, unread, muted)
		}
		return nil
	},
}

var tabCmd = &cobra.Command{
	Use:   "tab [chats|requests|archived]",
	Short: "Show or set the last active inbox tab",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 0 {
			tab := cfg.Prefs.LastTab
			if tab == "" {
				tab = string(echoroom.ViewChats)
			}
			fmt.Println(tab)
			return nil
		}

		switch args[0] {
		case string(echoroom.ViewChats), string(echoroom.ViewRequests), string(echoroom.ViewArchived):
		default:
			return fmt.Errorf("unknown tab %q (valid: chats, requests, archived)", args[0])
		}

		cfg.Prefs.LastTab = args[0]
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Last tab set to %s\n", args[0])
		return nil
	},
}

// rememberTab persists the viewed tab so the next launch can restore it.
func rememberTab(tab string) {
	cfg, err := loadConfig()
	if err != nil || cfg.Prefs.LastTab == tab {
		return
	}
	cfg.Prefs.LastTab = tab
	_ = saveConfig(cfg)
}

func init() {
	inboxCmd.Flags().StringVar(&inboxView, "view", string(echoroom.ViewChats), "Inbox tab: chats, requests, or archived")
	inboxCmd.Flags().StringVar(&inboxSearch, "search", "", "Filter by name or preview text")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(tabCmd)
}
