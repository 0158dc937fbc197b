// Command roomwatch follows the room events published on Redis and logs
// them, one line per event.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdelmounim-dev/voicesync/broker"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	channel := getEnv("ROOM_CHANNEL", "voicesync.rooms")
	zlog.Info().Str("redis", redisAddr).Str("channel", channel).Msg("connecting")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("failed to subscribe")
	}
	zlog.Info().Msg("listening for room events")

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev broker.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				zlog.Warn().Err(err).Msg("undecodable event")
				continue
			}
			logEvent(ev)
		}
	}
}

func logEvent(ev broker.Event) {
	e := zlog.Info().
		Str("type", string(ev.Type)).
		Str("room", ev.RoomID).
		Str("server", ev.ServerID).
		Time("at", ev.At)
	if ev.UserID != "" {
		e = e.Str("user", ev.UserID)
	}
	if ev.TrackURI != "" {
		e = e.Str("track", ev.TrackURI)
	}
	if ev.Type == broker.PauseToggled {
		e = e.Bool("paused", ev.Paused)
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	e.Msg("room event")
}
