package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the daemon configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the local control API listen address.
	HTTPAddress string `yaml:"http"`

	// KeyPath is the path to the Ed25519 account key file.
	KeyPath string `yaml:"key"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// SeedURLs bootstrap the node pool; empty uses the built-in seeds.
	SeedURLs []string `yaml:"seeds"`

	// RelayAddr routes storage requests through a relay daemon when set.
	RelayAddr string `yaml:"relay_addr"`

	// RelayKey is the hex Ed25519 identity of the relay.
	RelayKey string `yaml:"relay_key"`

	// Insecure skips node certificate checks on direct connections.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each storage request.
	Timeout time.Duration `yaml:"timeout"`

	// PrivateKey is the account's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey `yaml:"-"`
}

func defaultConfig() *Config {
	return &Config{
		DataPath:    "./data",
		HTTPAddress: "127.0.0.1:8080",
		LogLevel:    "info",
		Timeout:     15 * time.Second,
	}
}

// parseFlags builds the configuration from an optional YAML file and
// command-line flags. Flags that are set override the file.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()
	flags := defaultConfig()

	var configPath, seeds string

	fs := flag.NewFlagSet("swarmd", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&flags.DataPath, "data", flags.DataPath, "Data directory path")
	fs.StringVar(&flags.HTTPAddress, "http", flags.HTTPAddress, "Control API address")
	fs.StringVar(&flags.KeyPath, "key", "", "Ed25519 account key path (generates new if missing)")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Minimum log level")
	fs.StringVar(&seeds, "seeds", "", "Comma-separated seed URLs")
	fs.StringVar(&flags.RelayAddr, "relay", "", "Relay daemon address")
	fs.StringVar(&flags.RelayKey, "relay-key", "", "Relay Ed25519 public key (hex)")
	fs.BoolVar(&flags.Insecure, "insecure", false, "Skip node certificate checks")
	fs.DurationVar(&flags.Timeout, "timeout", flags.Timeout, "Storage request timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataPath = flags.DataPath
		case "http":
			cfg.HTTPAddress = flags.HTTPAddress
		case "key":
			cfg.KeyPath = flags.KeyPath
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "seeds":
			cfg.SeedURLs = splitList(seeds)
		case "relay":
			cfg.RelayAddr = flags.RelayAddr
		case "relay-key":
			cfg.RelayKey = flags.RelayKey
		case "insecure":
			cfg.Insecure = flags.Insecure
		case "timeout":
			cfg.Timeout = flags.Timeout
		}
	})

	return cfg, nil
}

// loadConfigFile reads a YAML file over cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file:\n%w", err)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s:\n%w", path, err)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// relayKey decodes the configured relay identity, nil when unset.
func (c *Config) relayKey() (ed25519.PublicKey, error) {
	if c.RelayKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(c.RelayKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid relay key %q", c.RelayKey)
	}

	return ed25519.PublicKey(key), nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
