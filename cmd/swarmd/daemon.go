package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"SwarmSync/internal/account"
	"SwarmSync/internal/api"
	"SwarmSync/internal/config"
	"SwarmSync/internal/logger"
	"SwarmSync/internal/metrics"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/poller"
	"SwarmSync/internal/receiver"
	"SwarmSync/internal/relay"
	"SwarmSync/internal/sender"
	"SwarmSync/internal/storage"
	"SwarmSync/internal/swarm"
)

// Daemon is a running swarm client.
type Daemon struct {
	cfg  *Config
	keys *account.Keys
	log  *slog.Logger

	storage  *storage.Storage
	state    *storage.State
	metrics  *metrics.Metrics
	relay    *relay.Client
	network  *swarm.Client
	engine   *config.Engine
	uploader *config.Uploader
	groups   *opengroup.Client
	dedup    *receiver.Deduper
	receiver *receiver.Receiver
	user     *poller.UserPoller
	manager  *poller.Manager
	sender   *sender.Sender
	api      *api.Server
}

// NewDaemon creates and wires every component.
func NewDaemon(cfg *Config, keys *account.Keys) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		keys:    keys,
		log:     logger.Component("daemon"),
		metrics: metrics.New(),
	}

	steps := []func() error{
		d.initStorage,
		d.initNetwork,
		d.initConfigs,
		d.initPipeline,
		d.initAPI,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

// initStorage opens the Pebble store.
func (d *Daemon) initStorage() error {
	if err := os.MkdirAll(d.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(d.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	d.storage = db
	d.state = storage.NewState(db)

	return nil
}

// initNetwork creates the storage network client, direct or through a relay.
func (d *Daemon) initNetwork() error {
	var transport swarm.Transport = swarm.NewHTTPTransport(d.cfg.Timeout, d.cfg.Insecure)

	if d.cfg.RelayAddr != "" {
		key, err := d.cfg.relayKey()
		if err != nil {
			return err
		}

		rc, err := relay.NewClient(relay.ClientConfig{
			Addr:     d.cfg.RelayAddr,
			RelayKey: key,
			Timeout:  d.cfg.Timeout,
		})
		if err != nil {
			return fmt.Errorf("init relay client:\n%w", err)
		}

		d.relay = rc
		transport = rc
	}

	client, err := swarm.NewClient(swarm.Config{
		Transport:  transport,
		SeedURLs:   d.cfg.SeedURLs,
		Store:      d.state,
		ClockStore: d.state,
		Metrics:    d.metrics,
		Logger:     logger.Component("swarm"),
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	d.network = client

	return nil
}

// initConfigs restores the config engine and its uploader.
func (d *Daemon) initConfigs() error {
	engine, err := config.NewEngine(config.EngineConfig{
		Keys:   d.keys,
		Store:  d.state,
		Logger: logger.Component("config"),
	})
	if err != nil {
		return fmt.Errorf("init config engine:\n%w", err)
	}

	engine.Subscribe(d.metrics.ConfigListener())

	d.engine = engine
	d.uploader = config.NewUploader(engine, d.network, logger.Component("uploader"))

	return nil
}

// initPipeline wires receiving, polling and sending.
func (d *Daemon) initPipeline() error {
	groups, err := opengroup.NewClient(opengroup.Config{
		Keys:   d.keys,
		Logger: logger.Component("opengroup"),
	})
	if err != nil {
		return fmt.Errorf("init community client:\n%w", err)
	}
	d.groups = groups

	d.dedup = receiver.NewDeduper(d.state, 0)
	box := newInbox(storage.NewThreads(d.storage), d.log)

	recv, err := receiver.New(receiver.Config{
		Keys:        d.keys,
		Dedup:       d.dedup,
		Groups:      d.engine,
		Communities: groups,
		Configs:     d.engine,
		Threads:     box,
		Handler:     box,
		Logger:      logger.Component("receiver"),
		Metrics:     d.metrics,
	})
	if err != nil {
		return fmt.Errorf("init receiver:\n%w", err)
	}
	d.receiver = recv

	user, err := poller.NewUserPoller(poller.UserConfig{
		Keys:    d.keys,
		Network: d.network,
		Cursors: d.state,
		Dedup:   d.dedup,
		Configs: d.engine,
		Sink:    recv,
		Logger:  logger.Component("poller"),
		Metrics: d.metrics,
	})
	if err != nil {
		return fmt.Errorf("init user poller:\n%w", err)
	}
	d.user = user

	d.manager = poller.NewManager(poller.ManagerConfig{
		Keys:             d.keys,
		Network:          d.network,
		Cursors:          d.state,
		Dedup:            d.dedup,
		Configs:          d.engine,
		Registry:         d.engine,
		Sink:             recv,
		OpenGroups:       groups,
		CommunityCursors: d.state,
		CommunitySink:    recv,
		Logger:           logger.Component("poller"),
		Metrics:          d.metrics,
	})

	d.sender = sender.New(sender.Config{
		Keys:        d.keys,
		Network:     d.network,
		Groups:      d.engine,
		Communities: groups,
		Logger:      logger.Component("sender"),
		Metrics:     d.metrics,
	})

	return nil
}

// initAPI creates the local control API.
func (d *Daemon) initAPI() error {
	d.api = api.New(api.Config{
		Addr:    d.cfg.HTTPAddress,
		Account: d.keys.ID(),
		User:    d.user,
		Groups:  d.manager,
		Sender:  d.sender,
		Network: d.network,
		Metrics: d.metrics.Handler(),
	})

	return nil
}

// Run starts every loop and blocks until a shutdown signal.
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.api.Start(); err != nil {
		d.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	d.network.OnClockOutOfSync(func() {
		go func() {
			if err := d.network.SyncClock(ctx); err != nil {
				d.log.Warn("clock resync failed", "error", err)
			}
		}()
	})

	if err := d.network.SyncClock(ctx); err != nil {
		d.log.Warn("initial clock sync failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.user.Run(gctx) })
	g.Go(func() error { return d.manager.Run(gctx) })
	g.Go(func() error { return d.uploader.Run(gctx) })
	g.Go(func() error {
		d.receiver.Run(gctx)
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	var runErr error
	select {
	case sig := <-waitForSignal():
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
		cancel()
	}

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	return errors.Join(runErr, d.Close())
}

// waitForSignal delivers SIGINT or SIGTERM.
func waitForSignal() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}

// Close releases all resources.
func (d *Daemon) Close() error {
	var errs []error

	if d.api != nil {
		errs = append(errs, d.api.Stop())
	}

	if d.dedup != nil {
		d.dedup.Close()
	}

	if d.engine != nil {
		d.engine.Close()
	}

	if d.relay != nil {
		errs = append(errs, d.relay.Close())
	}

	if d.storage != nil {
		errs = append(errs, d.storage.Close())
	}

	return errors.Join(errs...)
}
