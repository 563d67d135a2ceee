package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tubeworks/tubeup/internal/cipher"
	"github.com/tubeworks/tubeup/internal/config"
	"github.com/tubeworks/tubeup/internal/oauth"
	"github.com/tubeworks/tubeup/internal/store"
	"github.com/tubeworks/tubeup/internal/token"
	"github.com/tubeworks/tubeup/internal/upload"
	"github.com/tubeworks/tubeup/internal/yt"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "tubeup.toml"

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tubeup",
		Short:   "YouTube upload pipeline",
		Long:    "Manages channel authorizations and drives resumable video uploads to YouTube.",
		Version: version,
		// Errors and usage are printed by main, not by cobra.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath, "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newGrantsCmd())
	cmd.AddCommand(newRevokeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// buildLogger creates the process logger. Text for terminals, JSON for
// pipes and whenever --json is set. --verbose and --quiet override the
// config file level because CLI flags always win.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Log.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if flagJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// app holds everything a command needs, wired once per invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	grants *store.GrantStore
	jobs   *store.JobStore
	tokens *token.Manager
	oauth  *oauth.Client
	client *yt.Client
	engine *upload.Engine
	queue  *upload.Queue
}

// newApp loads config and wires the full dependency graph.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg)

	ciph, err := buildCipher(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	grants := store.NewGrantStore(db, logger)
	jobs := store.NewJobStore(db, logger)
	cache := store.NewCache(cfg.Store.CacheTTLDuration())

	oc := oauth.New(cfg.Client, logger)
	tokens := token.NewManager(grants, cache, oc, ciph, cfg.Store, logger)
	client := yt.New(cfg.API, logger)
	notifier := upload.NewNotifier(logger)
	engine := upload.NewEngine(jobs, grants, tokens, client, notifier, cfg.Upload, logger)
	queue := upload.NewQueue(engine, jobs, 64, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		grants: grants,
		jobs:   jobs,
		tokens: tokens,
		oauth:  oc,
		client: client,
		engine: engine,
		queue:  queue,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// buildCipher constructs the credential cipher from configured key
// material, falling back to an interactive passphrase prompt when the
// config provides none and stdin is a terminal.
func buildCipher(cfg config.CipherConfig) (cipher.Cipher, error) {
	if cfg.KeyHex != "" {
		key, err := hex.DecodeString(cfg.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding cipher key: %w", err)
		}

		return cipher.New(key)
	}

	passphrase := cfg.Passphrase
	if passphrase == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return nil, fmt.Errorf("no cipher key material: set %s or %s", config.EnvKeyHex, config.EnvPassphrase)
		}

		fmt.Fprint(os.Stderr, "Cipher passphrase: ")

		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)

		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}

		passphrase = string(raw)
	}

	if passphrase == "" {
		return nil, fmt.Errorf("empty cipher passphrase")
	}

	salt := cfg.Salt
	if salt == "" {
		salt = "tubeup.grants.v1"
	}

	return cipher.FromPassphrase(passphrase, salt)
}

// exitOnError prints a user-facing error to stderr and exits non-zero.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
