// ABOUTME: Entry point for the convosync terminal client
// ABOUTME: Wires config, logging and the open, list and serve-fake commands

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

// app carries what every command needs after flag parsing.
type app struct {
	configPath string
	envFile    string
	token      string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "convosync",
		Short:         "Terminal client for synchronized customer conversations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (.yaml or .toml); defaults to $"+config.EnvConfigPath)
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&a.token, "token", "", "bearer token; overrides auth.token and $"+auth.TokenEnvVar)
	flags.StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newOpenCmd(a), newListCmd(a), newServeFakeCmd(a))
	return root
}

func (a *app) setup() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", a.envFile, err)
		}
	}

	cfg, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(a.logger)
	return nil
}

// authProvider resolves the bearer token from the flag, the config and the
// token file lookup, in that order.
func (a *app) authProvider() (auth.Provider, error) {
	token := a.token
	if token == "" {
		token = a.cfg.Auth.Token
	}
	if token == "" {
		token = auth.LoadToken(a.cfg.Auth.TokenFile)
	}
	p, err := auth.NewTokenProvider(token)
	if err != nil {
		return nil, fmt.Errorf("%w: pass --token, set %s or auth.token", err, auth.TokenEnvVar)
	}
	return p, nil
}
