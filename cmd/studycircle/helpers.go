package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	convsync "github.com/StudyCircle-App/StudyCircle/sdk/golang"
)

// getBackend creates a Backend and session from the stored configuration.
func getBackend(verbose bool) (*convsync.Backend, convsync.StaticSession, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'studycircle init <token> <user-id>' first.")
		os.Exit(1)
	}
	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = "https://api.studycircle.app"
	}

	var opts []convsync.BackendOption
	if verbose {
		opts = append(opts, convsync.WithBackendLogger(cliLogger()))
	}
	return convsync.NewBackend(baseURL, cfg.Auth.Token, opts...), convsync.StaticSession(cfg.Auth.UserID), cfg
}

// cliLogger returns a console logger writing to stderr.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func newHistoryLoader(b *convsync.Backend) *convsync.HistoryLoader {
	return convsync.NewHistoryLoader(b, zerolog.Nop())
}

// printMessage renders one transcript line. Own messages are marked "*".
func printMessage(at time.Time, senderID, content string, own bool) {
	marker := " "
	if own {
		marker = "*"
	}
	fmt.Printf("%s %s %-12s %s\n", at.Local().Format("15:04:05"), marker, senderID, content)
}
