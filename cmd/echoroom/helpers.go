package main

import (
	"fmt"
	"os"
	"path/filepath"

	echoroom "github.com/Dealsa44/EchoRoom-sub000"
)

// getClient creates an EchoRoom client from the stored credentials.
func getClient() *echoroom.Client {
	cfg := mustConfig()
	if cfg.Default.Token == "" || cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'echoroom init <token> <user-id>' first.")
		os.Exit(1)
	}

	opts := []echoroom.ClientOption{echoroom.WithUserID(cfg.Default.UserID)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, echoroom.WithBaseURL(cfg.Default.BaseURL))
	}
	return echoroom.NewClient(cfg.Default.Token, opts...)
}

// getCache opens the configured snapshot store. The returned closer is
// a no-op for backends without a handle to release.
func getCache() (echoroom.CacheStore, func()) {
	cfg := mustConfig()

	dir := cfg.Default.CacheDir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to locate cache directory: %v\n", err)
			os.Exit(1)
		}
		dir = filepath.Join(base, "cache")
	}

	switch cfg.Default.CacheBackend {
	case "sqlite":
		store, err := echoroom.NewSQLiteCacheStore(filepath.Join(dir, "snapshots.db"), cfg.Default.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
			os.Exit(1)
		}
		return store, func() { store.Close() }
	case "memory":
		return echoroom.NewMemoryCacheStore(), func() {}
	default:
		return echoroom.NewFileCacheStore(dir, cfg.Default.UserID), func() {}
	}
}

// getChannel creates the realtime channel. One-shot commands leave it
// unconnected; the sync engine falls back to polling then.
func getChannel() *echoroom.Channel {
	cfg := mustConfig()
	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = echoroom.DefaultBaseURL
	}
	return echoroom.NewChannel(baseURL, &echoroom.ChannelConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
	})
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
