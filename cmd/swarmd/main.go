package main

import (
	"fmt"
	"os"

	"SwarmSync/internal/account"
	"SwarmSync/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	keys, err := account.NewKeys(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive account:\n%w", err)
	}

	d, err := NewDaemon(cfg, keys)
	if err != nil {
		return fmt.Errorf("create daemon:\n%w", err)
	}

	logger.Info("starting swarm client",
		"account", keys.ID(),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"relay", cfg.RelayAddr,
	)

	return d.Run()
}
