// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-appservice-slack is a Matrix-Slack bridge. It pairs Matrix
// rooms with Slack channels, relays messages, edits, reactions, files and
// typing in both directions, and routes outbound traffic through puppet,
// bot or webhook identities.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/appservice"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/enshittification/matrix-appservice-slack/pkg/bridge"
	"github.com/enshittification/matrix-appservice-slack/pkg/config"
	"github.com/enshittification/matrix-appservice-slack/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "path to the configuration file")
	printExample := flag.Bool("e", false, "print the example configuration and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("matrix-appservice-slack %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *printExample {
		fmt.Print(config.ExampleConfig)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := makeLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Msg("Starting matrix-appservice-slack")

	ctx := log.WithContext(context.Background())

	st, err := store.New(ctx, cfg.Database.URI, cfg.Database.Type, log.With().Str("component", "store").Logger())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	as, err := makeAppService(cfg, log)
	if err != nil {
		return err
	}
	matrix := bridge.NewMatrixConnector(as, cfg.Homeserver.Domain, cfg.AppService.GhostPrefix)
	b := bridge.New(log, st, matrix)

	for _, teamCfg := range cfg.Teams {
		var client *slack.Client
		if teamCfg.BotToken != "" {
			client = slack.New(teamCfg.BotToken)
		}
		team := bridge.NewTeamClient(b, client, bridge.ResolvedTeam{
			ID:             teamCfg.ID,
			Name:           teamCfg.Name,
			SyncSuppressed: teamCfg.SyncSuppressed,
		})
		if client != nil {
			if err := team.Connect(ctx); err != nil {
				log.Error().Err(err).Str("team_id", teamCfg.ID).Msg("Failed to connect workspace, continuing without it")
			}
		}
		b.AddTeam(team)
	}

	if err := b.LoadRooms(ctx); err != nil {
		return fmt.Errorf("failed to load room pairings: %w", err)
	}

	go as.Start()
	if err := as.BotIntent().EnsureRegistered(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure bot registration")
	}

	// The homeserver delivers transaction events in order; handling them
	// synchronously preserves per-room ordering toward Slack.
	go func() {
		for evt := range as.Events {
			b.HandleMatrixEvent(ctx, evt)
		}
	}()

	var ingressSrv *http.Server
	if cfg.Ingress.Listen != "" {
		ingress := bridge.NewIngress(b, cfg.Ingress.SigningSecret)
		ingressSrv = &http.Server{
			Addr:              cfg.Ingress.Listen,
			Handler:           ingress.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("listen", cfg.Ingress.Listen).Msg("Starting event ingress")
			if err := ingressSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Ingress server failed")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if ingressSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ingressSrv.Shutdown(shutdownCtx)
		cancel()
	}
	b.Stop()
	as.Stop()
	return nil
}

func makeLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli}
	return zerolog.New(writer).With().Timestamp().Logger().Level(lvl), nil
}

func makeAppService(cfg *config.Config, log zerolog.Logger) (*appservice.AppService, error) {
	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.AppService.Hostname,
		Port:     cfg.AppService.Port,
	}

	registration := appservice.CreateRegistration()
	registration.ID = cfg.AppService.ID
	registration.URL = cfg.AppService.Address
	registration.AppToken = cfg.AppService.ASToken
	registration.ServerToken = cfg.AppService.HSToken
	registration.SenderLocalpart = cfg.AppService.BotLocalpart
	registration.Namespaces.UserIDs.Register(regexp.MustCompile(fmt.Sprintf(
		"^@%s.*:%s$", regexp.QuoteMeta(cfg.AppService.GhostPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain),
	)), true)
	as.Registration = registration
	return as, nil
}
