package main

import (
	"fmt"
	"os"

	hojo "github.com/snoopyylion/hojo-realtime-go"
)

// getClient creates a REST client authenticated with the stored token.
func getClient() *hojo.Client {
	cfg := mustConfig()

	var opts []hojo.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, hojo.WithBaseURL(cfg.Default.BaseURL))
	}
	return hojo.NewClient(cfg.Auth.Token, opts...)
}

// getSession creates a full realtime session from the stored config.
func getSession() *hojo.Session {
	cfg := mustConfig()
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'hojo init <token> --user-id <id>' first.")
		os.Exit(1)
	}

	session, err := hojo.NewSession(hojo.SessionConfig{
		Token:    cfg.Auth.Token,
		UserID:   cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Role:     cfg.Auth.Role,
		BaseURL:  cfg.Default.BaseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create session: %v\n", err)
		os.Exit(1)
	}
	return session
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'hojo init <token>' first.")
		os.Exit(1)
	}
	return cfg
}
