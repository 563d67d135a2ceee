package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applies environment
// overrides, validates, and returns the resulting Config. Unknown keys
// are fatal — silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		ApplyEnv(cfg)

		if err := Validate(cfg); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	return Load(path)
}

// Environment variable names. Env values override the config file;
// CLI flags (applied by the caller) override both.
const (
	EnvClientID     = "TUBEUP_CLIENT_ID"
	EnvClientSecret = "TUBEUP_CLIENT_SECRET"
	EnvRedirectURL  = "TUBEUP_REDIRECT_URL"
	EnvStorePath    = "TUBEUP_STORE_PATH"
	EnvPassphrase   = "TUBEUP_CIPHER_PASSPHRASE"
	EnvSalt         = "TUBEUP_CIPHER_SALT"
	EnvKeyHex       = "TUBEUP_CIPHER_KEY"
	EnvChunkSize    = "TUBEUP_CHUNK_SIZE"
	EnvWatchDir     = "TUBEUP_WATCH_DIR"
	EnvLogLevel     = "TUBEUP_LOG_LEVEL"
)

// ApplyEnv overlays TUBEUP_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Client.ID, EnvClientID)
	setString(&cfg.Client.Secret, EnvClientSecret)
	setString(&cfg.Client.RedirectURL, EnvRedirectURL)
	setString(&cfg.Store.Path, EnvStorePath)
	setString(&cfg.Cipher.Passphrase, EnvPassphrase)
	setString(&cfg.Cipher.Salt, EnvSalt)
	setString(&cfg.Cipher.KeyHex, EnvKeyHex)
	setString(&cfg.Upload.WatchDir, EnvWatchDir)
	setString(&cfg.Log.Level, EnvLogLevel)

	if v := os.Getenv(EnvChunkSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Upload.ChunkSize = n
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep in the upload or refresh paths.
func Validate(cfg *Config) error {
	if cfg.Upload.ChunkSize <= 0 {
		return errors.New("config: upload.chunk_size must be positive")
	}

	if cfg.Upload.MaxFileSize <= 0 {
		return errors.New("config: upload.max_file_size must be positive")
	}

	if cfg.Upload.Tries < 1 {
		return errors.New("config: upload.tries must be at least 1")
	}

	if cfg.Upload.ChunkTries < 1 {
		return errors.New("config: upload.chunk_tries must be at least 1")
	}

	if cfg.Store.RetentionDays < 1 {
		return errors.New("config: store.retention_days must be at least 1")
	}

	if cfg.Store.RefreshMarginDuration() <= 0 {
		return errors.New("config: store.refresh_margin must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log.level %q", cfg.Log.Level)
	}

	return nil
}
