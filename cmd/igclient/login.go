package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"igclient/pkg/crawler"
	errs "igclient/pkg/errors"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session",
	Long: `Log in with username and password and store the resulting session in the
system keychain (or the encrypted session file). Later commands reuse the
stored session instead of logging in again.

Two-factor verification codes are prompted for when the account requires
them.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(int(runLogin(args[0])))
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(username string) crawler.ExitCode {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	password, err := promptPassword(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return crawler.ExitInitFailure
	}

	err = client.Login(ctx, username, password)
	if errs.IsKind(err, errs.KindTwoFactorRequired) {
		code, promptErr := promptLine("Two-factor verification code: ")
		if promptErr != nil {
			fmt.Fprintln(os.Stderr, promptErr)
			return crawler.ExitInitFailure
		}
		err = client.TwoFactorLogin(ctx, code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		return crawler.ExitCodeFor(err)
	}

	fmt.Printf("Logged in as %s, session stored.\n", client.Username())
	return crawler.ExitSuccess
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}
	return promptLine("")
}

func promptLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(os.Stderr, prompt)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
