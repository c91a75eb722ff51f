// Package config loads and validates the per-rank runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"logjam/pkg/message"
)

const (
	DefaultRanksLimit   = 5
	DefaultDialTimeout  = 10 * time.Second
	DefaultJournalBytes = 256 << 10
)

// Config describes one member of an aggregation group: where it sits in
// the group, how peers are addressed, and the knobs for its local sink
// and HTTP endpoints.
type Config struct {
	// Rank is this member's position in the group, 0 through size-1.
	// Rank 0 is the output rank.
	Rank int `yaml:"rank"`

	// Ranks lists the listen address of every member, indexed by rank.
	// Leave it empty to resolve addresses through etcd instead.
	Ranks []string `yaml:"ranks,omitempty"`

	// Size is the group size. Required with etcd discovery; with a
	// static Ranks list it defaults to len(Ranks).
	Size int `yaml:"size,omitempty"`

	// ListenAddr is this member's own listen address when discovery is
	// on. ":0" picks a free port and publishes the bound address.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// Topology selects the funnel shape: "tree" (binary tree, the
	// default) or "root" (every rank reports straight to rank 0).
	Topology string `yaml:"topology,omitempty"`

	// RanksLimit caps how many origin ranks a combined message keeps.
	RanksLimit int `yaml:"ranks_limit,omitempty"`

	HTTPAddr    string   `yaml:"http_addr,omitempty"`
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`

	// FlushEvery runs a periodic collective flush. Zero leaves flushing
	// to explicit calls.
	FlushEvery Duration `yaml:"flush_every,omitempty"`

	// MinLevel drops messages below this severity at the source.
	MinLevel string `yaml:"min_level,omitempty"`

	// Format overrides the sink output format. See sink.DefaultFormat
	// for the token vocabulary.
	Format string `yaml:"format,omitempty"`
	Color  bool   `yaml:"color,omitempty"`

	// JournalBytes bounds the window of recent output rank 0 keeps for
	// the /messages endpoint. Zero means the default; negative turns
	// the journal off.
	JournalBytes int `yaml:"journal_bytes,omitempty"`

	Etcd EtcdConfig `yaml:"etcd,omitempty"`
}

// EtcdConfig switches peer addressing from the static ranks list to an
// etcd registry when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints,omitempty"`
	Namespace string   `yaml:"namespace,omitempty"`
	LeaseTTL  int64    `yaml:"lease_ttl,omitempty"`
}

// Discovery reports whether peer addresses come from etcd.
func (c *Config) Discovery() bool {
	return len(c.Etcd.Endpoints) > 0
}

// Level returns the parsed MinLevel. Call after Load or validate.
func (c *Config) Level() message.Level {
	lvl, _ := message.ParseLevel(c.MinLevel)
	return lvl
}

// Default returns a single-rank configuration suitable for trying the
// funnel out locally.
func Default() *Config {
	return &Config{
		Rank:        0,
		Ranks:       []string{"127.0.0.1:9070"},
		Size:        1,
		Topology:    "tree",
		RanksLimit:  DefaultRanksLimit,
		HTTPAddr:    "127.0.0.1:9080",
		DialTimeout: Duration(DefaultDialTimeout),
	}
}

// Load reads a YAML configuration file, fills in defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Rank < 0 {
		return fmt.Errorf("rank must not be negative, got %d", cfg.Rank)
	}

	if cfg.Discovery() {
		if cfg.Size < 1 {
			return fmt.Errorf("size is required with etcd discovery")
		}
		if cfg.ListenAddr == "" {
			return fmt.Errorf("listen_addr is required with etcd discovery")
		}
		if cfg.Etcd.LeaseTTL == 0 {
			cfg.Etcd.LeaseTTL = 10
		}
		if cfg.Etcd.Namespace == "" {
			cfg.Etcd.Namespace = "/logjam"
		}
	} else {
		if len(cfg.Ranks) == 0 {
			return fmt.Errorf("either ranks or etcd.endpoints must be set")
		}
		if cfg.Size == 0 {
			cfg.Size = len(cfg.Ranks)
		}
		if cfg.Size != len(cfg.Ranks) {
			return fmt.Errorf("size %d does not match %d ranks", cfg.Size, len(cfg.Ranks))
		}
	}
	if cfg.Rank >= cfg.Size {
		return fmt.Errorf("rank %d out of range for size %d", cfg.Rank, cfg.Size)
	}

	switch cfg.Topology {
	case "":
		cfg.Topology = "tree"
	case "tree", "root":
	default:
		return fmt.Errorf("unknown topology %q, want tree or root", cfg.Topology)
	}

	if cfg.RanksLimit == 0 {
		cfg.RanksLimit = DefaultRanksLimit
	}
	if cfg.RanksLimit < 0 {
		return fmt.Errorf("ranks_limit must be positive, got %d", cfg.RanksLimit)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = Duration(DefaultDialTimeout)
	}
	if cfg.FlushEvery < 0 {
		return fmt.Errorf("flush_every must not be negative")
	}
	if cfg.JournalBytes == 0 {
		cfg.JournalBytes = DefaultJournalBytes
	}

	if _, err := message.ParseLevel(cfg.MinLevel); err != nil {
		return fmt.Errorf("invalid min_level: %w", err)
	}

	return nil
}
