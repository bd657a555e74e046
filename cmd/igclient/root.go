package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"igclient/pkg/config"
	"igclient/pkg/instagram"
	"igclient/pkg/logger"
	"igclient/pkg/ratelimit"
	"igclient/pkg/session"
)

var (
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile            string
	logLevel              string
	logFile               string
	noSleep               bool
	maxConnectionAttempts int
	requestTimeout        int
	abortOn               string
	userAgent             string
	sessionFile           string
)

var rootCmd = &cobra.Command{
	Use:   "igclient",
	Short: "A resilient client for paginated Instagram queries",
	Long: `igclient walks paginated Instagram queries with adaptive rate control,
classification-driven retries and resumable checkpoints.

Features:
  - Adaptive sliding-window rate control per query category
  - Automatic retry with exponential backoff for transient failures
  - Session login with two-factor support, stored in the system keychain
  - Interrupted walks resume exactly where they stopped`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(logger.Options{Level: logLevel, File: logFile})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is $HOME/.igclient.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noSleep, "no-sleep", false, "disable proactive rate-limit sleeping")
	rootCmd.PersistentFlags().IntVar(&maxConnectionAttempts, "max-connection-attempts", 3, "retry ceiling for transient failures, 0 retries forever")
	rootCmd.PersistentFlags().IntVar(&requestTimeout, "request-timeout", 300, "per-request timeout in seconds")
	rootCmd.PersistentFlags().StringVar(&abortOn, "abort-on", "", "comma-separated status codes that abort the run, e.g. 302,400,429")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "override the browser user agent")
	rootCmd.PersistentFlags().StringVar(&sessionFile, "session-file", "", "path of the encrypted session file")

	rootCmd.SetVersionTemplate(`igclient {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig assembles the effective configuration from defaults, config
// file, environment and flags.
func loadConfig() (*config.Config, error) {
	flags := make(map[string]interface{})
	if maxConnectionAttempts != 3 {
		flags["max-connection-attempts"] = maxConnectionAttempts
	}
	if requestTimeout != 300 {
		flags["request-timeout"] = requestTimeout
	}
	if noSleep {
		flags["no-sleep"] = true
	}
	if userAgent != "" {
		flags["user-agent"] = userAgent
	}
	if sessionFile != "" {
		flags["session-file"] = sessionFile
	}
	if logLevel != "info" {
		flags["log-level"] = logLevel
	}
	if abortOn != "" {
		codes, err := parseAbortOn(abortOn)
		if err != nil {
			return nil, err
		}
		flags["abort-on"] = codes
	}
	return config.Load(configFile, flags)
}

func parseAbortOn(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	codes := make([]int, 0, len(parts))
	for _, part := range parts {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid --abort-on status code %q", part)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// newSessionStore builds the session store chain: the system keychain when
// available, falling back to the encrypted session file.
func newSessionStore(cfg *config.Config) (session.Store, error) {
	var stores []session.Store

	if cfg.Session.UseKeyring {
		if keyringStore, err := session.NewKeyringStore(); err == nil {
			stores = append(stores, keyringStore)
		} else {
			logger.GetLogger().WithError(err).Debug("system keyring unavailable")
		}
	}

	fileStore, err := session.NewEncryptedFileStore(cfg.Session.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file store: %w", err)
	}
	stores = append(stores, fileStore)

	return session.NewManager(stores...), nil
}

// newClient wires the rate controller, session store and request executor.
func newClient(cfg *config.Config) (*instagram.Client, error) {
	store, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	controller := ratelimit.NewController(ratelimit.Options{
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Budget:      cfg.RateLimit.MaxRequestsPerWindow,
		FloorPerSec: cfg.RateLimit.FloorRequestsPerSec,
		Weights:     instagram.CategoryWeights(cfg.RateLimit.MaxRequestsPerWindow),
		NoSleep:     cfg.Client.NoSleep,
		Logger:      logger.GetLogger(),
	})

	return instagram.NewClient(cfg, controller, store, logger.GetLogger()), nil
}
