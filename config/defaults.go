package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)

	// Discord
	v.SetDefault("discord.prefix", "+")
	v.SetDefault("discord.linkURL", "")

	// Spotify
	v.SetDefault("spotify.apiBase", "https://api.spotify.com")
	v.SetDefault("spotify.accountsBase", "https://accounts.spotify.com")
	v.SetDefault("spotify.dealerURL", "wss://gew-dealer.spotify.com/")
	v.SetDefault("spotify.pingInterval", 30)
	v.SetDefault("spotify.deviceName", "Voicesync")
	v.SetDefault("spotify.initialVolume", 65535)

	// Lavalink
	v.SetDefault("lavalink.address", "localhost:2333")
	v.SetDefault("lavalink.password", "youshallnotpass")
	v.SetDefault("lavalink.secure", false)
	v.SetDefault("lavalink.client", "voicesync")
	v.SetDefault("lavalink.searchPrefix", "ytsearch")
	v.SetDefault("lavalink.resumeTimeout", 60)

	// Store
	v.SetDefault("store.type", "redis")
	v.SetDefault("store.dsn", "voicesync.db")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.poolTimeout", 5)
	v.SetDefault("redis.sessionTTL", 90)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.topic", "voicesync.rooms")

	// Room
	v.SetDefault("room.idleTimeout", 300)
	v.SetDefault("room.defaultVolume", 40)
	v.SetDefault("room.maxVolume", 150)
	v.SetDefault("room.rejoinDelay", 500)

	// Reconnect
	v.SetDefault("reconnect.initialInterval", 1000)
	v.SetDefault("reconnect.maxInterval", 30000)
	v.SetDefault("reconnect.maxRetries", 8)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
