package config

import "testing"

func validConfig() Config {
	return Config{
		DataDir:             "/tmp/lianad",
		Network:             "regtest",
		BitcoindURL:         "http://127.0.0.1:18443",
		BitcoindMaxRetries:  3,
		PollIntervalSeconds: 30,
		LogLevel:            "info",
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected a valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	c := validConfig()
	c.Network = "mainet"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a misspelled network")
	}
}

func TestValidateRequiresBitcoindURL(t *testing.T) {
	c := validConfig()
	c.BitcoindURL = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a missing bitcoind_rpc_url")
	}
}

func TestValidateRejectsNonPositivePollInterval(t *testing.T) {
	c := validConfig()
	c.PollIntervalSeconds = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for a zero poll interval")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected an error for an unrecognised log level")
	}
}

func TestDatabasePathJoinsDataDir(t *testing.T) {
	c := validConfig()
	want := "/tmp/lianad/wallet.sqlite3"
	if got := c.DatabasePath(); got != want {
		t.Fatalf("DatabasePath() = %q, want %q", got, want)
	}
}
