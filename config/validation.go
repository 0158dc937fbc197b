package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Discord.Token == "" {
		return errors.New("discord.token must be set")
	}
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return errors.New("spotify.clientID and spotify.clientSecret must be set")
	}
	if c.Spotify.PingInterval < 1 {
		return errors.New("spotify ping interval must be at least 1 second")
	}
	if c.Lavalink.Address == "" {
		return errors.New("lavalink address must be specified")
	}

	switch strings.ToLower(c.Store.Type) {
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis store")
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return errors.Newf("store.dsn must be specified for %s store", c.Store.Type)
		}
	default:
		return errors.Newf("invalid store type: %s. Must be 'redis', 'sqlite' or 'postgres'", c.Store.Type)
	}

	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
	default:
		return errors.Newf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}
	if c.Broker.Type != "none" && c.Broker.Topic == "" {
		return errors.New("broker topic must be configured")
	}

	if c.Room.IdleTimeout < 1 {
		return errors.New("room idle timeout must be at least 1 second")
	}
	if c.Room.MaxVolume < 1 {
		return errors.New("room max volume must be positive")
	}

	if c.Reconnect.InitialInterval < 1 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		return errors.New("reconnect max interval should be greater than initial interval")
	}
	if c.Reconnect.MaxRetries < 0 {
		return errors.New("reconnect max retries must not be negative")
	}

	if c.Redis.SessionTTL <= c.Spotify.PingInterval {
		return errors.New("session TTL should be greater than ping interval")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "VOICESYNC_PORT")

	// Secrets
	v.BindEnv("discord.token", "VOICESYNC_DISCORD_TOKEN")
	v.BindEnv("spotify.clientID", "VOICESYNC_SPOTIFY_CLIENT_ID")
	v.BindEnv("spotify.clientSecret", "VOICESYNC_SPOTIFY_CLIENT_SECRET")
	v.BindEnv("lavalink.password", "VOICESYNC_LAVALINK_PASSWORD")
	v.BindEnv("redis.password", "VOICESYNC_REDIS_PASSWORD")

	// Backends
	v.BindEnv("lavalink.address", "VOICESYNC_LAVALINK_ADDRESS")
	v.BindEnv("store.type", "VOICESYNC_STORE_TYPE")
	v.BindEnv("store.dsn", "VOICESYNC_STORE_DSN")
	v.BindEnv("redis.address", "VOICESYNC_REDIS_ADDRESS")
	v.BindEnv("broker.type", "VOICESYNC_BROKER_TYPE")
	v.BindEnv("broker.kafka.brokers", "VOICESYNC_KAFKA_BROKERS")

	// Logging
	v.BindEnv("log.level", "VOICESYNC_LOG_LEVEL")
}
