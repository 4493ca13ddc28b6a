package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/internal/config"
	"git.sr.ht/~jakintosh/sessionkit/internal/logging"
	"git.sr.ht/~jakintosh/sessionkit/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		baseURL   string
		storeKind string
		storePath string
		logLevel  string
		timeout   time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Manage the stored session of a sessionkit backend",
		Long: `sessionctl logs in to a sessionkit-compatible identity backend and
keeps the session in the configured credential store, so later commands
(and other processes sharing the store) are signed in.

Settings come from SESSIONKIT_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("base-url") {
				cfg.BaseURL = baseURL
			}
			if flags.Changed("store") {
				cfg.Store = storeKind
			}
			if flags.Changed("store-path") {
				cfg.StorePath = storePath
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			a.cfg = cfg
			a.log = logging.New(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&baseURL, "base-url", "", "Backend base URL ("+config.EnvBaseURL+")")
	pf.StringVar(&storeKind, "store", "", "Credential store: file, sqlite, redis or memory ("+config.EnvStore+")")
	pf.StringVar(&storePath, "store-path", "", "Directory of the file or sqlite store ("+config.EnvStorePath+")")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or disabled ("+config.EnvLogLevel+")")
	pf.DurationVar(&timeout, "timeout", 0, "Per-request timeout ("+config.EnvTimeout+")")

	rootCmd.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		resumeCmd(a),
		whoamiCmd(a),
		csrfCmd(a),
		canCmd(a),
		rolesCmd(a),
	)
	return rootCmd
}

// open builds a security context over the configured store. The returned
// function closes both.
func (a *app) open(ctx context.Context) (*client.Client, func(), error) {
	kv, closeStore, err := config.OpenStore(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(client.Config{
		BaseURL:    a.cfg.BaseURL,
		Store:      kv,
		Timeout:    a.cfg.Timeout,
		CSRFBuffer: a.cfg.CSRFBuffer,
		Logger:     a.log,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		if err := closeStore(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close credential store")
		}
	}, nil
}

// restore opens the security context and restores the stored session,
// failing when nobody is signed in.
func (a *app) restore(ctx context.Context) (*client.Client, func(), error) {
	c, closeFn, err := a.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	sess, err := c.Initialize(ctx)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("couldn't restore session: %w", err)
	}
	if sess == nil {
		closeFn()
		return nil, nil, errNotSignedIn
	}
	return c, closeFn, nil
}
