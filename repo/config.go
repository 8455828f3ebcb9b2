package repo

import (
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	RepoRoot string  `mapstructure:"-" toml:"-"`
	Ledger   Ledger  `mapstructure:"ledger" toml:"ledger"`
	Log      Log     `mapstructure:"log" toml:"log"`
	Engine   Engine  `mapstructure:"engine" toml:"engine"`
	Reaper   Reaper  `mapstructure:"reaper" toml:"reaper"`
	Digest   Digest  `mapstructure:"digest" toml:"digest"`
	Metrics  Metrics `mapstructure:"metrics" toml:"metrics"`
}

type Ledger struct {
	// JSON-RPC endpoint of the steem API node, http(s) or ws(s)
	DialUrl          string        `mapstructure:"dial_url" toml:"dial_url"`
	// redials after the first failed attempt
	DialRetries      uint          `mapstructure:"dial_retries" toml:"dial_retries"`
	Timeout          time.Duration `mapstructure:"timeout" toml:"timeout"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout" toml:"broadcast_timeout"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Engine struct {
	// how many times a signature is re-applied after losing a concurrent update race
	MaxConflictRetries uint `mapstructure:"max_conflict_retries" toml:"max_conflict_retries"`
}

type Reaper struct {
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
}

type Digest struct {
	Enable       bool          `mapstructure:"enable" toml:"enable"`
	Interval     time.Duration `mapstructure:"interval" toml:"interval"`
	InitialDelay time.Duration `mapstructure:"initial_delay" toml:"initial_delay"`
	Account      string        `mapstructure:"account" toml:"account"`
	Tags         []string      `mapstructure:"tags" toml:"tags"`
	// digests are written here as markdown files, empty means log only
	OutputDir string `mapstructure:"output_dir" toml:"output_dir"`
}

type Metrics struct {
	Enable     bool   `mapstructure:"enable" toml:"enable"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Ledger: Ledger{
			DialUrl:          "https://api.pennsif.net",
			DialRetries:      5,
			Timeout:          10 * time.Second,
			BroadcastTimeout: 30 * time.Second,
		},
		Log: Log{
			Level:        "info",
			Filename:     "coordinator.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Engine: Engine{
			MaxConflictRetries: 5,
		},
		Reaper: Reaper{
			Interval: time.Minute,
		},
		Digest: Digest{
			Enable:       false,
			Interval:     6 * time.Minute,
			InitialDelay: 4 * time.Second,
			Account:      "multisignotifier",
			Tags:         []string{"multisig"},
			OutputDir:    "",
		},
		Metrics: Metrics{
			Enable:     false,
			ListenAddr: "localhost:9190",
		},
	}
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.DialUrl == "" {
		return errors.New("ledger.dial_url is empty")
	}
	if c.Ledger.Timeout <= 0 || c.Ledger.BroadcastTimeout <= 0 {
		return errors.New("ledger timeouts must be positive")
	}
	if c.Reaper.Interval <= 0 {
		return errors.Errorf("reaper.interval must be positive, got %s", c.Reaper.Interval)
	}
	if c.Digest.Enable {
		if c.Digest.Interval <= 0 {
			return errors.Errorf("digest.interval must be positive, got %s", c.Digest.Interval)
		}
		if len(c.Digest.Tags) == 0 {
			return errors.New("digest.tags needs at least one tag")
		}
	}
	if c.Metrics.Enable && c.Metrics.ListenAddr == "" {
		return errors.New("metrics.listen_addr is empty")
	}
	return nil
}
