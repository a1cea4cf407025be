package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/groupcord/backend/auth"
	"github.com/groupcord/backend/broker"
	"github.com/groupcord/backend/events"
	"github.com/groupcord/backend/export"
	"github.com/groupcord/backend/presence"
	"github.com/groupcord/backend/registry"
	"github.com/groupcord/backend/router"
	httpServer "github.com/groupcord/backend/server/http"
	websocketServer "github.com/groupcord/backend/server/websocket"
	"github.com/groupcord/backend/service"
	store "github.com/groupcord/backend/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		logLevel       = fs.StringP("log-level", "l", "debug", "log level")
		dbPath         = fs.String("db-path", "groupcord.db", "sqlite database path")
		jwtSecret      = fs.String("jwt-secret", "", "jwt signing secret")
		jwtTTL         = fs.Duration("jwt-ttl", time.Hour, "jwt token lifetime")
		allowedOrigins = fs.StringSlice("allowed-origins", []string{"http://localhost:8090"}, "allowed websocket origins, * for any")
		kafkaBrokers   = fs.StringSlice("kafka-brokers", nil, "kafka brokers for the audit event stream, empty disables it")
		kafkaTopic     = fs.String("kafka-topic", "chat-events", "kafka topic for audit events")
		rsaBits        = fs.Int("rsa-bits", 2048, "rsa key size for export signing")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *jwtSecret == "" {
		logger.Fatal().Msg("jwt-secret is required")
	}

	db, err := store.NewStore(*dbPath, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	signingKey, err := rsa.GenerateKey(rand.Reader, *rsaBits)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to generate export signing key")
	}

	authn := auth.NewAuthenticator(auth.Config{
		Users:     db,
		Questions: db,
		Sessions:  auth.NewSessionStore(),
		SecretKey: *jwtSecret,
		TokenTTL:  *jwtTTL,
		Logger:    &logger,
	})
	binder := auth.NewBinder(authn, &logger)

	reg := registry.NewRegistry(&logger)
	bk := broker.NewBroker(&logger)
	pres := presence.NewBroadcaster(presence.Config{
		Source: reg,
		Pub:    bk,
		Logger: &logger,
	})
	rt := router.NewRouter(router.Config{
		Store:  db,
		Pub:    bk,
		Logger: &logger,
	})
	pub := events.NewPublisher(*kafkaBrokers, *kafkaTopic, &logger)
	defer func() {
		_ = pub.Close()
	}()

	svc := service.NewService(service.Config{
		Registry: reg,
		Presence: pres,
		Broker:   bk,
		Router:   rt,
		Members:  db,
		Messages: db,
		Events:   pub,
		Logger:   &logger,
	})
	exporter := export.NewExporter(export.Config{
		Messages: db,
		Exports:  db,
		Key:      signingKey,
		Logger:   &logger,
	})

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		Authenticator: authn,
		Binder:        binder,
		ChatService:   svc,
		ExportService: exporter,
		Users:         db,
		ListenAddr:    *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		ChatService:    svc,
		Binder:         binder,
		ListenAddr:     *wsListenAddr,
		AllowedOrigins: *allowedOrigins,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
