// Replicator is the relay server: it accepts UDP sessions, forwards routed
// packets between peers, and keeps the authoritative entity table. An HTTP
// listener serves the session handshake and the operator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/api"
	"github.com/energizer-project/replicator/internal/cli"
	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/connector"
	"github.com/energizer-project/replicator/internal/db"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/health"
	"github.com/energizer-project/replicator/internal/scheduler"
	"github.com/energizer-project/replicator/internal/server"
	"github.com/energizer-project/replicator/internal/telemetry"
	"github.com/energizer-project/replicator/internal/util"
)

const (
	AppName = "replicator"
	Banner  = `
  ____            _ _           _
 |  _ \ ___ _ __ | (_) ___ __ _| |_ ___  _ __
 | |_) / _ \ '_ \| | |/ __/ _' | __/ _ \| '__|
 |  _ <  __/ |_) | | | (_| (_| | || (_) | |
 |_| \_\___| .__/|_|_|\___\__,_|\__\___/|_|
           |_|  v%s
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the interactive setup wizard and exit")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, api.Version)
	fmt.Println()

	// Console-only until the config says where the log files go.
	bootLog := util.DefaultLogConfig()
	bootLog.Directory = ""
	if err := util.InitLogger(AppName, bootLog); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *setup || cfg.IsFirstRun() {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		if *setup {
			return
		}
	}

	app := cfg.GetApplicationData()
	if err := util.InitLogger(AppName, util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxSizeMB:  app.Logging.MaxSizeMB,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", api.Version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("arch", runtime.GOARCH).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting replicator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	store, err := db.NewStore(app.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", app.Database.Path).Msg("failed to open database")
	}
	defer store.Close()

	relay, err := newRelay(cfg, eventBus, store)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server configuration")
	}
	if err := relay.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bind UDP endpoints")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msgf("starting %s", name)
			fn()
		}()
	}

	healthMgr := health.NewManager(cfg, eventBus, relay, store)
	run("health checks", func() { healthMgr.Start(ctx) })

	apiServer := api.NewServer(cfg, eventBus, relay, store)
	apiServer.SetHealth(healthMgr)
	if app.API.Enabled {
		run("HTTP API", func() {
			if err := startWithRetry(ctx, "HTTP API", apiServer.Start, 5); err != nil {
				log.Error().Err(err).Msg("HTTP API stopped; clients cannot obtain session tokens")
			}
		})
	}

	if app.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			run("MQTT telemetry", func() {
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			})
		}
	}

	if notifier := connector.NewWebhookNotifier(cfg, eventBus); notifier != nil {
		run("webhook notifier", func() { notifier.Start(ctx) })
	}

	if listing := connector.NewListingAnnouncer(cfg, relay, api.Version); listing != nil {
		run("server list announcer", func() { listing.Run(ctx) })
	}

	sched := scheduler.NewScheduler(cfg, eventBus, relay, store)
	run("scheduler", func() { sched.Start(ctx) })

	if !*noConsole {
		console := cli.NewCLI(cfg, eventBus, relay, store, os.Stdin, os.Stdout)
		run("console", func() { console.Start(ctx) })
	}

	quit := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		select {
		case quit <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quit:
		log.Info().Msg("shutdown requested from console")
	case <-relay.Done():
		log.Error().Msg("relay stopped unexpectedly")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Peers get their quit message before the context goes.
	relay.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("replicator stopped")
}

// newRelay builds the relay from the server config and attaches the bus and
// the session store.
func newRelay(cfg *config.Config, bus *events.EventBus, store *db.Store) (*server.Server, error) {
	sc := cfg.GetServer()
	opts, err := server.OptionsFromConfig(sc)
	if err != nil {
		return nil, err
	}
	opts.Bus = bus
	if store != nil {
		opts.Sessions = store
		if sc.RequireToken {
			opts.Tokens = store
		}
	}
	return server.New(opts), nil
}

// startWithRetry retries startFn on bind errors, three seconds apart.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
