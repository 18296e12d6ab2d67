package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	convsync "github.com/StudyCircle-App/StudyCircle/sdk/golang"
)

var (
	watchLimit   int
	watchNoCache bool
	watchVerbose bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVar(&watchLimit, "limit", 50, "Number of history messages to load on start")
	watchCmd.Flags().BoolVar(&watchNoCache, "no-cache", false, "Skip the on-disk transcript cache")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "Log engine diagnostics to stderr")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long: "Open a conversation and keep it synchronized: history first, then live inserts as they happen.\n" +
		"Typed lines are sent as messages. Commands: /refresh, /retry <token>, /discard <token>, /quit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		backend, session, cfg := getBackend(watchVerbose)

		opts := &convsync.Options{HistoryLimit: watchLimit}
		if cfg.Default.HistoryLimit > 0 && !cmd.Flags().Changed("limit") {
			opts.HistoryLimit = cfg.Default.HistoryLimit
		}
		if watchVerbose {
			log := cliLogger()
			opts.Logger = &log
		}
		if !watchNoCache {
			path := cfg.Default.CachePath
			if path == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}
				path = dir + "/transcript.db"
			}
			cache, err := convsync.OpenTranscriptCache(path, cliLogger())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Transcript cache unavailable: %v\n", err)
			} else {
				opts.Cache = cache
				defer cache.Close()
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine := convsync.NewSyncEngine(backend, session, opts)
		if err := engine.Start(ctx, conversationID); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		defer engine.Stop()

		fmt.Printf("Watching %s (Ctrl-C to quit, type to send)\n", conversationID)

		go readInput(ctx, engine)
		runWatchLoop(ctx, engine)
		fmt.Println("\nBye.")
		return nil
	},
}

// runWatchLoop renders view changes, connection transitions, and errors
// until ctx is cancelled.
func runWatchLoop(ctx context.Context, engine *convsync.SyncEngine) {
	printed := make(map[string]bool)
	failed := make(map[string]bool)

	render := func() {
		view := engine.CurrentView()
		for _, entry := range view.Entries {
			switch {
			case entry.Message != nil:
				if !printed[entry.Message.ID] {
					printed[entry.Message.ID] = true
					printMessage(entry.Message.CreatedAt, entry.Message.SenderID, entry.Message.Content, entry.Own)
				}
			case entry.Pending != nil:
				if entry.Pending.State == convsync.SendFailed && !failed[entry.Pending.Token] {
					failed[entry.Pending.Token] = true
					fmt.Printf("!! send failed (%s): %s\n", entry.Pending.FailReason, entry.Pending.Content)
					fmt.Printf("   /retry %s or /discard %s\n", entry.Pending.Token, entry.Pending.Token)
				}
				if entry.Pending.State == convsync.SendInFlight {
					delete(failed, entry.Pending.Token)
				}
			}
		}
	}
	render()

	lastPhase := engine.ConnectionState().Phase
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-engine.Updates():
			if !ok {
				return
			}
			render()
		case err := <-engine.Errors():
			var fetchErr *convsync.FetchError
			if errors.As(err, &fetchErr) {
				fmt.Fprintf(os.Stderr, "History fetch failed: %v\n", err)
			}
			// SendErrors show up through the view as failed entries.
		case <-ticker.C:
			state := engine.ConnectionState()
			if state.Phase != lastPhase {
				lastPhase = state.Phase
				printConnectionState(state)
			}
		}
	}
}

func printConnectionState(state convsync.ConnectionState) {
	switch state.Phase {
	case convsync.StateSubscribed:
		fmt.Println("-- live --")
	case convsync.StateDegraded:
		if state.Reason == "offline" {
			fmt.Println("-- offline (gave up reconnecting) --")
		} else {
			fmt.Printf("-- connection lost (%s), reconnecting --\n", state.Reason)
		}
	case convsync.StateReconnecting, convsync.StateConnecting:
		fmt.Println("-- connecting --")
	case convsync.StateDisconnected:
		fmt.Println("-- disconnected --")
	}
}

// readInput sends typed lines, handling the /retry, /discard and /quit
// commands.
func readInput(ctx context.Context, engine *convsync.SyncEngine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			// Raising the signal reuses the normal shutdown path.
			p, _ := os.FindProcess(os.Getpid())
			p.Signal(os.Interrupt)
			return
		case line == "/refresh":
			if err := engine.Refresh(); err != nil {
				fmt.Fprintf(os.Stderr, "Refresh failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/retry "):
			token := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if err := engine.RetryFailed(token); err != nil {
				fmt.Fprintf(os.Stderr, "Retry failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/discard "):
			token := strings.TrimSpace(strings.TrimPrefix(line, "/discard "))
			if err := engine.DiscardFailed(token); err != nil {
				fmt.Fprintf(os.Stderr, "Discard failed: %v\n", err)
			}
		default:
			if _, err := engine.Send(line); err != nil {
				fmt.Fprintf(os.Stderr, "Send rejected: %v\n", err)
			}
		}
	}
}
