package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailroom",
	Short: "Mailroom - durable event mailboxes with push and pull delivery",
	Long: `Mailroom holds events on behalf of leased registrations, stores them
durably and delivers them either by pushing to a target or by letting the
client pull them in acknowledged batches.

Run "mailroom serve" to start a daemon; the other commands talk to one.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Mailroom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7070", "Address of the mailroom API")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
