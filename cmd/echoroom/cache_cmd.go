package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local snapshot cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached snapshots for the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeCache := getCache()
		defer closeCache()

		type clearer interface{ Clear() }
		if c, ok := store.(clearer); ok {
			c.Clear()
			fmt.Println("Cache cleared.")
			return nil
		}
		return fmt.Errorf("cache backend does not support clearing")
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
