// Package core wires herald's services together: config, logging, storage,
// the Discord client, the roster/dispatch services, the relay hub, and the
// HTTP server. It also runs the config reload loop that pushes file changes
// into every service's Apply().
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"herald/internal/config"
	"herald/internal/discord"
	"herald/internal/dispatch"
	"herald/internal/logging"
	"herald/internal/relay"
	"herald/internal/roster"
	"herald/internal/server"
	"herald/internal/store"
)

type App struct {
	log     *slog.Logger
	logging *logging.Service
	manager *config.Manager
	listen  string

	store    store.Store
	client   *discord.RESTClient
	roster   *roster.Service
	dispatch *dispatch.Service
	relay    *relay.Hub
	server   *server.Server
	pprof    *pprofServer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(configPath string) (*App, error) {
	manager := config.NewManager(configPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logging.New(loggingConfig(cfg))
	log.Info("config loaded", slog.String("path", configPath))

	st, err := store.Open(storeConfig(cfg), log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := discord.NewRESTClient(discordConfig(cfg), log)
	ros := roster.New(rosterConfig(cfg), client, st, log)
	dis := dispatch.New(dispatchConfig(cfg), client, st, log)
	hub := relay.NewHub(relayConfig(cfg), log)
	srv := server.New(server.Config{Listen: cfg.Listen}, server.Deps{
		Client:   client,
		Store:    st,
		Roster:   ros,
		Dispatch: dis,
		Relay:    hub,
	}, log)

	return &App{
		log:      log.With(slog.String("comp", "app")),
		logging:  logSvc,
		manager:  manager,
		listen:   cfg.Listen,
		store:    st,
		client:   client,
		roster:   ros,
		dispatch: dis,
		relay:    hub,
		server:   srv,
		pprof:    newPprofServer(log),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.roster.Start(runCtx)
	a.dispatch.Start(runCtx)
	if err := a.server.Start(runCtx); err != nil {
		a.Stop(context.Background())
		return fmt.Errorf("start http server: %w", err)
	}
	a.pprof.Apply(runCtx, a.manager.Get().Pprof)

	updates := a.manager.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.manager.Watch(runCtx); err != nil {
			a.log.Warn("config watch failed", slog.Any("err", err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg := <-updates:
				a.applyConfig(runCtx, cfg)
			}
		}
	}()

	a.log.Info("started", slog.String("addr", a.server.Addr()))
	return nil
}

// applyConfig pushes a reloaded config into every service. The listen
// address is the one setting that cannot change at runtime.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.log.Info("applying reloaded config")
	a.logging.Apply(loggingConfig(cfg))
	a.client.Apply(discordConfig(cfg))
	a.roster.Apply(rosterConfig(cfg))
	a.dispatch.Apply(dispatchConfig(cfg))
	a.relay.Apply(relayConfig(cfg))
	a.pprof.Apply(ctx, cfg.Pprof)
	if cfg.Listen != a.listen {
		a.log.Warn("listen address change requires a restart",
			slog.String("running", a.listen), slog.String("configured", cfg.Listen))
	}
}

func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("http shutdown error", slog.Any("err", err))
	}
	a.relay.Close()
	a.dispatch.Stop(ctx)
	a.roster.Stop(ctx)
	a.pprof.Stop(ctx)
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close error", slog.Any("err", err))
	}
	a.log.Info("stopped")
	a.logging.Close()
}

func loggingConfig(c *config.Config) logging.Config {
	return logging.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logging.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func storeConfig(c *config.Config) store.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return store.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}

func discordConfig(c *config.Config) discord.Config {
	timeout, _ := config.ParseDurationField("discord.request_timeout", c.Discord.RequestTimeout)
	return discord.Config{
		RequestsPerSec: c.Discord.RequestsPerSec,
		RequestTimeout: timeout,
	}
}

func rosterConfig(c *config.Config) roster.Config {
	return roster.Config{
		MemberLimit:     c.Discord.MemberLimit,
		Parallelism:     c.Roster.Parallelism,
		RefreshSchedule: c.Roster.RefreshSchedule,
	}
}

func dispatchConfig(c *config.Config) dispatch.Config {
	maxDelay, _ := config.ParseDurationField("dispatch.max_delay", c.Dispatch.MaxDelay)
	ttl, _ := config.ParseDurationField("dispatch.status_ttl", c.Dispatch.StatusTTL)
	return dispatch.Config{MaxDelay: maxDelay, StatusTTL: ttl}
}

func relayConfig(c *config.Config) relay.Config {
	write, _ := config.ParseDurationField("relay.write_timeout", c.Relay.WriteTimeout)
	idle, _ := config.ParseDurationField("relay.idle_timeout", c.Relay.IdleTimeout)
	return relay.Config{WriteTimeout: write, IdleTimeout: idle}
}
