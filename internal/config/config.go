// Package config is the daemon's typed configuration surface: CLI flags
// (no config file is read), parsed with go-flags the way the
// teacher's own operator-facing settings are validated by path_config.go,
// just outside of Vault's storage/field framework since this core has no
// request/response cycle of its own to hang validation off of.
package config

import (
	"path/filepath"

	"github.com/jessevdk/go-flags"

	"github.com/lianahq/lianad/internal/errs"
)

// Config is the full set of settings lianad needs to start: where its
// database lives, which network it follows, and how to reach bitcoind
// (spec §6).
type Config struct {
	DataDir string `long:"datadir" description:"directory holding the wallet's SQLite database" default:"."`
	Network string `long:"network" description:"mainnet, testnet, signet, or regtest" default:"mainnet"`

	BitcoindURL        string `long:"bitcoind_rpc_url" description:"bitcoind JSON-RPC endpoint"`
	BitcoindUser       string `long:"bitcoind_rpc_user" description:"bitcoind JSON-RPC username"`
	BitcoindPass       string `long:"bitcoind_rpc_password" description:"bitcoind JSON-RPC password"`
	BitcoindMaxRetries int    `long:"bitcoind_max_retries" description:"retry attempts per bitcoind RPC call before giving up" default:"3"`

	PollIntervalSeconds int `long:"poll_interval_seconds" description:"chain follower poll cadence" default:"30"`

	LogLevel string `long:"log_level" description:"trace, debug, info, warn, or error" default:"info"`
}

var validNetworks = map[string]bool{
	"mainnet": true,
	"testnet": true,
	"signet":  true,
	"regtest": true,
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Parse reads args (normally os.Args[1:]) into a Config and validates it,
// mirroring the network/min_confirmations-style checks the teacher's own
// pathConfigWrite runs before persisting (spec §6's configuration surface).
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindInvalidInput, err, "parsing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a Config whose values the daemon can't start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errs.New(errs.KindInvalidInput, "datadir must not be empty")
	}
	if !validNetworks[c.Network] {
		return errs.New(errs.KindInvalidInput, "network must be one of mainnet, testnet, signet, regtest, got %q", c.Network)
	}
	if c.BitcoindURL == "" {
		return errs.New(errs.KindInvalidInput, "bitcoind_rpc_url is required")
	}
	if c.BitcoindMaxRetries < 0 {
		return errs.New(errs.KindInvalidInput, "bitcoind_max_retries must be >= 0")
	}
	if c.PollIntervalSeconds <= 0 {
		return errs.New(errs.KindInvalidInput, "poll_interval_seconds must be > 0")
	}
	if !validLogLevels[c.LogLevel] {
		return errs.New(errs.KindInvalidInput, "log_level must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// DatabasePath is the SQLite file this Config's DataDir holds (spec §6).
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "wallet.sqlite3")
}
