// Package discord connects the rooms to the Discord gateway: voice
// membership and channel joins, text notices, and the prefix commands.
package discord

import (
	"context"

	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

const (
	colorError   = 0xD61516
	colorInfo    = 0x0773D6
	colorSuccess = 0x43B581

	iconForbidden = "https://upload.wikimedia.org/wikipedia/commons/thumb/0/03/Forbidden_Symbol_Transparent.svg/1200px-Forbidden_Symbol_Transparent.svg.png"
	iconSpotify   = "https://www.freepnglogos.com/uploads/spotify-logo-png/file-spotify-logo-png-4.png"
)

var ErrNotReady = errors.New("gateway session not ready")

// Gateway wraps the discordgo session. It implements room.Voice and
// room.Messenger.
type Gateway struct {
	s *discordgo.Session
}

// NewGateway creates the bot session. Open connects it.
func NewGateway(cfg config.DiscordConfig) (*Gateway, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "create discord session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true
	s.State.TrackVoice = true
	s.State.TrackMembers = true
	return &Gateway{s: s}, nil
}

// Session exposes the underlying discordgo session for handler
// registration.
func (g *Gateway) Session() *discordgo.Session { return g.s }

func (g *Gateway) Open() error {
	if err := g.s.Open(); err != nil {
		return errors.Wrap(err, "open discord gateway")
	}
	zlog.Info().Str("user", g.UserID()).Msg("connected to discord")
	return nil
}

func (g *Gateway) Close() error {
	return g.s.Close()
}

// UserID is the bot's own user id, empty before the gateway is ready.
func (g *Gateway) UserID() string {
	if g.s.State == nil || g.s.State.User == nil {
		return ""
	}
	return g.s.State.User.ID
}

// Members implements room.Voice: the human users in a voice channel.
func (g *Gateway) Members(_ context.Context, guildID, channelID string) ([]string, error) {
	guild, err := g.s.State.Guild(guildID)
	if err != nil {
		return nil, errors.Wrapf(err, "guild %s", guildID)
	}

	self := g.UserID()
	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self {
			continue
		}
		if g.isBot(guildID, vs) {
			continue
		}
		users = append(users, vs.UserID)
	}
	return users, nil
}

func (g *Gateway) isBot(guildID string, vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	m, err := g.s.State.Member(guildID, vs.UserID)
	if err != nil || m.User == nil {
		return false
	}
	return m.User.Bot
}

// Connect implements room.Voice. Audio is sent by the playback node, so
// the bot only asks the gateway to move it into the channel.
func (g *Gateway) Connect(_ context.Context, guildID, channelID string) error {
	if err := g.s.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return errors.Wrapf(err, "join voice channel %s", channelID)
	}
	return nil
}

// Disconnect implements room.Voice.
func (g *Gateway) Disconnect(_ context.Context, guildID string) error {
	if err := g.s.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return errors.Wrap(err, "leave voice channel")
	}
	return nil
}

// SendMessage implements room.Messenger.
func (g *Gateway) SendMessage(_ context.Context, channelID, content string) error {
	_, err := g.s.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Description: content,
		Color:       colorError,
	})
	return errors.Wrap(err, "send message")
}

// VoiceChannel returns the voice channel userID sits in, empty when none.
func (g *Gateway) VoiceChannel(guildID, userID string) string {
	vs, err := g.s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// CanPlay reports whether the bot may connect and speak in channelID.
func (g *Gateway) CanPlay(channelID string) bool {
	perms, err := g.s.State.UserChannelPermissions(g.UserID(), channelID)
	if err != nil {
		return false
	}
	return hasVoicePermissions(perms)
}

func hasVoicePermissions(perms int64) bool {
	if perms&discordgo.PermissionAdministrator != 0 {
		return true
	}
	need := int64(discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak)
	return perms&need == need
}

func (g *Gateway) reply(channelID string, r Reply) {
	if _, err := g.s.ChannelMessageSendEmbed(channelID, r.Embed()); err != nil {
		zlog.Debug().Err(err).Str("channel", channelID).Msg("failed to send reply")
	}
}
