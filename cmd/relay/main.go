package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SwarmSync/internal/logger"
	"SwarmSync/internal/relay"
)

// Config holds the relay configuration.
type Config struct {
	// ListenAddr is the QUIC listen address.
	ListenAddr string

	// KeyPath is the path to the relay's Ed25519 identity key.
	KeyPath string

	// LogLevel is the minimum log level.
	LogLevel string

	// StatsInterval is how often forwarding counters are logged; 0 disables.
	StatsInterval time.Duration
}

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", ":4433", "QUIC listen address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 identity key path (generates new if missing)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level")
	fs.DurationVar(&cfg.StatsInterval, "stats", time.Minute, "Stats log interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	srv, err := relay.NewServer(relay.ServerConfig{
		PrivateKey: key,
		ListenAddr: cfg.ListenAddr,
		Logger:     logger.Component("relay"),
	})
	if err != nil {
		return fmt.Errorf("create relay:\n%w", err)
	}

	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("relay started",
		"listen", cfg.ListenAddr,
		"pubkey", hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var tick <-chan time.Time
	if cfg.StatsInterval > 0 {
		ticker := time.NewTicker(cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			forwarded, failed := srv.Stats()
			logger.Info("relay stats", "forwarded", forwarded, "failed", failed)

		case sig := <-sigCh:
			logger.Info("shutting down", "signal", sig.String())
			return srv.Close()
		}
	}
}

// loadOrGenerateKey loads the identity key from file or generates one.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if len(data) != ed25519.PrivateKeySize {
				return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
			}
			return ed25519.PrivateKey(data), nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read key file:\n%w", err)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if path != "" {
		if err := os.WriteFile(path, priv, 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", path, err)
		}
	}

	return priv, nil
}
