// Chat Relay - multi-client text and drawing chat server.
//
// The relay accepts clients over TCP, gates them behind an optional shared
// password, keeps usernames and colours unique, and rebroadcasts chat and
// drawings to every authenticated client. Around it run an admin REST API,
// an SQLite audit log, optional MQTT telemetry and an operator console.
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

	"github.com/chatrelay-project/chatrelay/internal/api"
	"github.com/chatrelay-project/chatrelay/internal/cli"
	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/db"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/health"
	"github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
	"github.com/chatrelay-project/chatrelay/internal/scheduler"
	"github.com/chatrelay-project/chatrelay/internal/server"
	"github.com/chatrelay-project/chatrelay/internal/telemetry"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

const (
	AppName    = "Chat Relay"
	AppVersion = api.Version
	Banner     = `
   ___ _         _     ___     _
  / __| |_  __ _| |_  | _ \___| |__ _ _  _
 | (__| ' \/ _' |  _| |   / -_) / _' | || |
  \___|_||_\__,_|\__| |_|_\___|_\__,_|\_, |
                                      |__/  v%s
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	port := flag.Int("port", 0, "override the relay port")
	noCLI := flag.Bool("no-cli", false, "disable the operator console")
	setup := flag.Bool("setup", false, "run the interactive setup wizard before starting")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults until the configuration is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting chat relay")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *setup {
		if err := config.RunSetupWizard(cfg, os.Stdin); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	if *port != 0 {
		relay := cfg.GetRelay()
		relay.Port = *port
		cfg.SetRelay(relay)
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
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
		log.Fatal().Msg("configuration validation failed, please fix the errors above or run with -setup")
	}

	relayCfg := cfg.GetRelay()

	verifier, err := buildVerifier(relayCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up the chat password")
	}
	if verifier.Open() {
		log.Warn().Msg("no chat password configured, clients are authenticated on connect")
	}

	vocab, err := protocol.NewVocabulary(cfg.GetProtocol().Codes)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid protocol code overrides")
	}

	palette, err := registry.NormalizePalette(cfg.GetPalette())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid colour palette")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	reg := registry.New(palette)
	mgr := server.NewManager(reg, verifier, vocab, eventBus, server.OptionsFromConfig(cfg))
	tcpListener := network.NewTCPListener(relayCfg.ListenAddr(), mgr)

	var audit *db.AuditStore
	if appData.Database.Enabled {
		audit, err = db.NewAuditStore(appData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit store, audit log disabled")
			audit = nil
		} else {
			audit.Subscribe(eventBus)
		}
	}

	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, mgr, audit)
	}

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT, relayCfg.Name, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		}
	}

	var pruner scheduler.Pruner
	if audit != nil {
		pruner = audit
	}
	sched := scheduler.NewScheduler(cfg, eventBus, pruner, mgr)
	healthMgr := health.NewManager(cfg, eventBus, mgr)

	// Console and API shutdown requests arrive as events.
	shutdownCh := make(chan string, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case shutdownCh <- e.Source:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", relayCfg.ListenAddr()).Msg("starting relay listener")
		if err := tcpListener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay listener failed")
			errCh <- fmt.Errorf("relay listener: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", appData.API.ListenAddr()).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if appData.CLI.Enabled && !*noCLI {
		console := cli.NewCLI(eventBus, mgr, os.Stdin, os.Stdout)
		// Not added to wg: a blocked stdin read must not hold up shutdown.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		eventBus.EmitSync(context.Background(), events.Event{
			Type:    events.EventShutdown,
			Source:  "main",
			Payload: "signal " + sig.String(),
		})
	case source := <-shutdownCh:
		log.Info().Str("source", source).Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Notify clients before the listener goes away.
	mgr.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		mgr.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	if audit != nil {
		if err := audit.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit store")
		}
	}

	log.Info().Msg("chat relay stopped")
}

// buildVerifier picks the configured password source. A stored bcrypt hash
// wins over a clear-text password; with neither, the operator is asked when
// prompt_password is set.
func buildVerifier(relay config.RelayConfig) (*util.Verifier, error) {
	if relay.PasswordHash != "" {
		return util.NewVerifierFromHash(relay.PasswordHash)
	}

	password := relay.Password
	if password == "" && relay.PromptPassword {
		p, err := config.PromptPassword()
		if err != nil {
			return nil, err
		}
		password = p
	}
	return util.NewVerifier(password, relay.BcryptCost)
}
