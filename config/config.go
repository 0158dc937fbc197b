package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Discord   DiscordConfig
	Spotify   SpotifyConfig
	Lavalink  LavalinkConfig
	Store     StoreConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Room      RoomConfig
	Reconnect ReconnectConfig
	Log       LogConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type DiscordConfig struct {
	Token   string
	Prefix  string
	LinkURL string
}

type SpotifyConfig struct {
	ClientID      string
	ClientSecret  string
	APIBase       string
	AccountsBase  string
	DealerURL     string
	PingInterval  int // Seconds
	DeviceName    string
	InitialVolume int
}

type LavalinkConfig struct {
	Address       string
	Password      string
	Secure        bool
	Client        string
	SearchPrefix  string
	ResumeTimeout int // Seconds
}

type StoreConfig struct {
	Type string // redis, sqlite or postgres
	DSN  string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
	SessionTTL  int // Seconds
}

type BrokerConfig struct {
	Type  string // none, redis or kafka
	Topic string
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
}

type RoomConfig struct {
	IdleTimeout   int // Seconds
	DefaultVolume int
	MaxVolume     int
	RejoinDelay   int // Milliseconds
}

type ReconnectConfig struct {
	InitialInterval int // Milliseconds
	MaxInterval     int // Milliseconds
	MaxRetries      int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads config.<env>.yaml (when present), the environment and the
// defaults into a fresh AppConfig and validates it.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config." + env)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VOICESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config file error")
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config unmarshal error")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}
