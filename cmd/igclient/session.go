package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"igclient/pkg/crawler"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage stored sessions",
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Verify that a stored session is still logged in",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(int(runSessionCheck(args[0])))
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(int(runSessionDelete(args[0])))
	},
}

func init() {
	sessionCmd.AddCommand(sessionCheckCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionCheck(username string) crawler.ExitCode {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return crawler.ExitInitFailure
	}
	client, err := newClient(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return crawler.ExitInitFailure
	}
	if err := client.LoadSession(username); err != nil {
		fmt.Fprintf(os.Stderr, "no stored session for %s: %v\n", username, err)
		return crawler.ExitLoginFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	viewer, err := client.TestLogin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session check failed: %v\n", err)
		return crawler.ExitCodeFor(err)
	}
	if viewer == "" {
		fmt.Fprintf(os.Stderr, "session for %s has expired, log in again\n", username)
		return crawler.ExitLoginFailure
	}

	fmt.Printf("Session is logged in as %s.\n", viewer)
	return crawler.ExitSuccess
}

func runSessionDelete(username string) crawler.ExitCode {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return crawler.ExitInitFailure
	}
	store, err := newSessionStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return crawler.ExitInitFailure
	}
	if err := store.Delete(username); err != nil {
		fmt.Fprintf(os.Stderr, "failed to delete session for %s: %v\n", username, err)
		return crawler.ExitNonFatal
	}

	fmt.Printf("Session for %s deleted.\n", username)
	return crawler.ExitSuccess
}
