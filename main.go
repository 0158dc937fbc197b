package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/abdelmounim-dev/voicesync/directory"
	"github.com/abdelmounim-dev/voicesync/discord"
	"github.com/abdelmounim-dev/voicesync/lavalink"
	"github.com/abdelmounim-dev/voicesync/room"
	"github.com/abdelmounim-dev/voicesync/server"
	"github.com/abdelmounim-dev/voicesync/services"
	"github.com/abdelmounim-dev/voicesync/session"
	"github.com/abdelmounim-dev/voicesync/spotify"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	cfg, err := config.Load(env)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	// Generate a unique ID for this server instance
	serverID := uuid.New().String()
	zlog.Info().Str("server_id", serverID).Str("env", env).Msg("starting voicesync")

	// Redis backs the credential store, the presence records and the redis
	// broker, whichever are configured.
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = services.NewRedisClient(cfg.Redis)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer services.CloseRedisClient(redisClient)
	}

	st, err := openStore(cfg, redisClient)
	if err != nil {
		zlog.Fatal().Err(err).Str("type", cfg.Store.Type).Msg("failed to open credential store")
	}
	defer st.Close()

	var presence session.Store
	if redisClient != nil {
		presence = session.NewRedisStore(redisClient, time.Duration(cfg.Redis.SessionTTL)*time.Second)
	} else {
		zlog.Warn().Msg("no redis configured, presence is local to this instance")
		presence = session.NewMemoryStore()
	}

	publisher, err := openPublisher(cfg, redisClient, serverID)
	if err != nil {
		zlog.Fatal().Err(err).Str("type", cfg.Broker.Type).Msg("failed to create room event publisher")
	}
	defer publisher.Close()

	// Gateway and playback node
	gw, err := discord.NewGateway(cfg.Discord)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create discord gateway")
	}
	node := lavalink.NewNode(lavalink.NewOptions(cfg.Lavalink))
	defer node.Close()

	var dir *directory.Directory
	opts := spotify.NewOptions(cfg, st)
	opts.KeepAlive = func(userID string) { dir.Touch(userID) }

	dir = directory.New(room.Deps{
		Provider:  node,
		Voice:     gw,
		Messenger: gw,
		NewMember: room.SessionFactory(opts),
		Store:     st,
		Publisher: publisher,
		Config:    room.NewConfig(cfg.Room),
	}, presence, directory.Config{
		ServerID:    serverID,
		RejoinDelay: time.Duration(cfg.Room.RejoinDelay) * time.Millisecond,
	})

	commands := discord.NewCommands(dir, st, gw, cfg.Discord.Prefix, cfg.Discord.LinkURL)
	discord.NewBot(gw, dir, node, commands, cfg.Discord.Prefix).Register()

	if err := gw.Open(); err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect to discord")
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := node.Connect(ctx, gw.UserID()); err != nil {
		cancel()
		zlog.Fatal().Err(err).Msg("failed to connect to lavalink")
	}
	cancel()

	// Status server
	srv := server.New(cfg, serverID, dir)
	go func() {
		if err := srv.Start(); err != nil {
			zlog.Error().Err(err).Msg("status server stopped")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	zlog.Info().Msg("shutdown signal received")

	// Graceful shutdown
	dir.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("status server shutdown")
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func needsRedis(cfg *config.AppConfig) bool {
	return strings.EqualFold(cfg.Store.Type, "redis") || strings.EqualFold(cfg.Broker.Type, "redis")
}

func openStore(cfg *config.AppConfig, client *redis.Client) (store.Store, error) {
	switch t := strings.ToLower(cfg.Store.Type); t {
	case "redis":
		return store.NewRedisStore(client), nil
	default:
		return store.OpenSQL(t, cfg.Store.DSN)
	}
}

func openPublisher(cfg *config.AppConfig, client *redis.Client, serverID string) (broker.Publisher, error) {
	zlog.Info().Str("type", cfg.Broker.Type).Msg("initializing room event publisher")
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		return broker.NewRedisPublisher(client, cfg.Broker.Topic, serverID), nil
	case "kafka":
		return broker.NewKafkaPublisher(cfg.Broker.Kafka.Brokers, cfg.Broker.Topic, serverID)
	default:
		return broker.Nop{}, nil
	}
}
