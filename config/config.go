// Package config loads the delivery engine's tunables through koanf,
// layering a YAML file over environment variable overrides exactly as the
// teacher's go.mod already declares (github.com/knadh/koanf/v2 plus its
// file, env, and yaml providers) even though the retrieved chapter of the
// teacher never wired them up. WatchFile (watch.go) re-reads the file on
// change through koanf's fsnotify-backed file provider and publishes each
// valid reload through Live.Get. The consumer package does not read these
// values: its flush and transfer timeouts are constants and its chunk size
// is a NewController argument.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "FLOWMQ_"

// Credit holds the token-bucket defaults for C1 (spec §4.1's credit meter).
type Credit struct {
	DefaultWindow int64 `koanf:"default_window"`
	MinGrant      int64 `koanf:"min_grant"`
	Unlimited     bool  `koanf:"unlimited"`
}

// Timeouts holds wall-clock tunables. The consumer controller does not read
// them; it uses its own flushTimeout and transferTimeout constants.
type Timeouts struct {
	FlushDeadline      time.Duration `koanf:"flush_deadline"`
	TransferGrace      time.Duration `koanf:"transfer_grace"`
	ForcedDeliveryScan time.Duration `koanf:"forced_delivery_scan"`
}

// Streaming holds C3's large-message thresholds.
type Streaming struct {
	MinLargeMessageSize int64 `koanf:"min_large_message_size"`
	ChunkSize           int64 `koanf:"chunk_size"`
}

// Addressing holds the C4.5 legacy-prefix rewrite threshold.
type Addressing struct {
	LegacyPrefixEnabled bool   `koanf:"legacy_prefix_enabled"`
	LegacyPrefix        string `koanf:"legacy_prefix"`
}

// Storage selects and configures the badger-backed persistence adapters.
type Storage struct {
	Backend    string `koanf:"backend"` // "memory" or "badger"
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// Management configures the NATS notification bus.
type Management struct {
	Enabled bool   `koanf:"enabled"`
	NatsURL string `koanf:"nats_url"`
}

// Logging configures the zap adapter (internal/obslog).
type Logging struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

// Auth configures the bcrypt-hashed credential file (package auth) consulted
// when a consumer is created, so its resolved username can populate the
// CONSUMER_CLOSED notification's User field (spec §4.2.2 step 7).
type Auth struct {
	Enabled         bool   `koanf:"enabled"`
	CredentialsFile string `koanf:"credentials_file"`
}

// Config is the delivery engine's full tunable set.
type Config struct {
	Credit     Credit     `koanf:"credit"`
	Timeouts   Timeouts   `koanf:"timeouts"`
	Streaming  Streaming  `koanf:"streaming"`
	Addressing Addressing `koanf:"addressing"`
	Storage    Storage    `koanf:"storage"`
	Management Management `koanf:"management"`
	Logging    Logging    `koanf:"logging"`
	Auth       Auth       `koanf:"auth"`
}

// Default returns sane defaults, the same role the teacher's
// config.DefaultConfig plays before any file/env overlay is applied.
func Default() *Config {
	return &Config{
		Credit: Credit{
			DefaultWindow: 1000,
			MinGrant:      1,
			Unlimited:     false,
		},
		Timeouts: Timeouts{
			FlushDeadline:      30 * time.Second,
			TransferGrace:      10 * time.Second,
			ForcedDeliveryScan: 5 * time.Second,
		},
		Streaming: Streaming{
			MinLargeMessageSize: 100 * 1024,
			ChunkSize:           64 * 1024,
		},
		Addressing: Addressing{
			LegacyPrefixEnabled: false,
			LegacyPrefix:        "jms.queue.",
		},
		Storage: Storage{
			Backend:    "memory",
			Path:       "./data",
			SyncWrites: false,
		},
		Management: Management{
			Enabled: false,
			NatsURL: "nats://127.0.0.1:4222",
		},
		Logging: Logging{
			Level: "info",
			File:  "",
		},
		Auth: Auth{
			Enabled:         false,
			CredentialsFile: "./auth.json",
		},
	}
}

// Load builds a koanf instance layered file -> env, unmarshals it onto a
// Default(), and validates the result. path may be empty, in which case
// only defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMap), nil); err != nil {
		return nil, fmt.Errorf("load config env overrides: %w", err)
	}

	out := &Config{}
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate rejects nonsensical tunables before the server starts consuming
// them.
func (c *Config) Validate() error {
	if c.Credit.DefaultWindow <= 0 && !c.Credit.Unlimited {
		return fmt.Errorf("credit.default_window must be positive unless credit.unlimited is set")
	}
	if c.Timeouts.FlushDeadline <= 0 {
		return fmt.Errorf("timeouts.flush_deadline must be positive")
	}
	if c.Streaming.MinLargeMessageSize <= 0 {
		return fmt.Errorf("streaming.min_large_message_size must be positive")
	}
	if c.Streaming.ChunkSize <= 0 {
		return fmt.Errorf("streaming.chunk_size must be positive")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "badger" {
		return fmt.Errorf("storage.backend must be \"memory\" or \"badger\", got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path required when storage.backend is badger")
	}
	return nil
}

// envKeyMap turns FLOWMQ_STORAGE_BACKEND into storage.backend, matching
// koanf's env.Provider transform convention.
func envKeyMap(s string) string {
	trimmed := strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(trimmed), "_", ".")
}
