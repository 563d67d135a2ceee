// Package config holds the explicit configuration for the token
// lifecycle manager, OAuth client, and upload engine. One Config is
// constructed at startup and passed by pointer into constructors —
// there is no ambient lookup.
package config

import (
	"time"
)

// Defaults mirroring the platform's documented limits.
const (
	DefaultChunkSize     = 1 * 1024 * 1024          // 1 MiB
	DefaultMaxFileSize   = 128 * 1024 * 1024 * 1024 // 128 GiB, the platform ceiling
	DefaultCacheTTL      = time.Hour
	DefaultRefreshMargin = 5 * time.Minute
	DefaultRetentionDays = 30
	DefaultJobTimeout    = 2 * time.Hour
	DefaultTries         = 3
	DefaultChunkTries    = 3
	DefaultPrivacy       = "private"
	DefaultCategoryID    = "22"
)

// Config is the root configuration.
type Config struct {
	Client ClientConfig `toml:"client"`
	Cipher CipherConfig `toml:"cipher"`
	Store  StoreConfig  `toml:"store"`
	Upload UploadConfig `toml:"upload"`
	API    APIConfig    `toml:"api"`
	Log    LogConfig    `toml:"log"`
}

// ClientConfig holds the OAuth2 application credentials.
type ClientConfig struct {
	ID          string   `toml:"id"`
	Secret      string   `toml:"secret"`
	RedirectURL string   `toml:"redirect_url"`
	Scopes      []string `toml:"scopes"`
}

// CipherConfig selects the credential cipher key material. Either
// KeyHex (raw 32-byte key, hex encoded) or Passphrase+Salt must be set.
type CipherConfig struct {
	KeyHex     string `toml:"key_hex"`
	Passphrase string `toml:"passphrase"`
	Salt       string `toml:"salt"`
}

// StoreConfig configures persistence and the token cache.
type StoreConfig struct {
	Path          string   `toml:"path"`
	CacheTTL      Duration `toml:"cache_ttl"`
	RefreshMargin Duration `toml:"refresh_margin"`
	RetentionDays int      `toml:"retention_days"`
}

// UploadConfig configures the resumable upload engine.
type UploadConfig struct {
	ChunkSize         int64      `toml:"chunk_size"`
	MaxFileSize       int64      `toml:"max_file_size"`
	AllowedExtensions []string   `toml:"allowed_extensions"`
	AllowedMIMETypes  []string   `toml:"allowed_mime_types"`
	TempDir           string     `toml:"temp_dir"`
	WatchDir          string     `toml:"watch_dir"`
	Timeout           Duration   `toml:"timeout"`
	Tries             int        `toml:"tries"`
	Backoff           []Duration `toml:"backoff"`
	ChunkTries        int        `toml:"chunk_tries"`
	DefaultPrivacy    string     `toml:"default_privacy"`
	DefaultCategoryID string     `toml:"default_category_id"`
}

// APIConfig configures the remote API client.
type APIConfig struct {
	QPS   float64 `toml:"qps"`
	Burst int     `toml:"burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultScopes requested during authorization. Upload plus read access
// is the minimum for the upload pipeline and channel profile fetch.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/youtube",
	"https://www.googleapis.com/auth/youtube.upload",
	"https://www.googleapis.com/auth/youtube.readonly",
	"https://www.googleapis.com/auth/youtube.force-ssl",
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			RedirectURL: "http://localhost:8080/youtube/callback",
			Scopes:      append([]string(nil), DefaultScopes...),
		},
		Store: StoreConfig{
			Path:          "tubeup.db",
			CacheTTL:      Duration(DefaultCacheTTL),
			RefreshMargin: Duration(DefaultRefreshMargin),
			RetentionDays: DefaultRetentionDays,
		},
		Upload: UploadConfig{
			ChunkSize:   DefaultChunkSize,
			MaxFileSize: DefaultMaxFileSize,
			AllowedExtensions: []string{
				"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv",
			},
			AllowedMIMETypes: []string{
				"video/mp4", "video/mpeg", "video/quicktime", "video/x-msvideo",
				"video/x-ms-wmv", "video/x-flv", "video/webm", "video/x-matroska",
			},
			Timeout:    Duration(DefaultJobTimeout),
			Tries:      DefaultTries,
			Backoff:    []Duration{Duration(time.Minute), Duration(5 * time.Minute), Duration(15 * time.Minute)},
			ChunkTries: DefaultChunkTries,

			DefaultPrivacy:    DefaultPrivacy,
			DefaultCategoryID: DefaultCategoryID,
		},
		API: APIConfig{
			QPS:   1,
			Burst: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// CacheTTLDuration returns the token cache TTL as a time.Duration.
func (s StoreConfig) CacheTTLDuration() time.Duration { return time.Duration(s.CacheTTL) }

// RefreshMarginDuration returns the refresh safety margin.
func (s StoreConfig) RefreshMarginDuration() time.Duration { return time.Duration(s.RefreshMargin) }

// TimeoutDuration returns the job wall-clock ceiling.
func (u UploadConfig) TimeoutDuration() time.Duration { return time.Duration(u.Timeout) }

// BackoffDurations returns the outer retry delays.
func (u UploadConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(u.Backoff))
	for i, d := range u.Backoff {
		out[i] = time.Duration(d)
	}

	return out
}

// Duration is a time.Duration that unmarshals from TOML strings like "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}

// MarshalText implements encoding.TextMarshaler so configs round-trip.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
