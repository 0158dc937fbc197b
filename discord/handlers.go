package discord

import (
	"context"
	"time"

	"github.com/abdelmounim-dev/voicesync/directory"
	"github.com/bwmarrin/discordgo"
	zlog "github.com/rs/zerolog/log"
)

const handlerTimeout = 30 * time.Second

// VoiceForwarder receives the bot's voice connection details so the
// playback node can join the channel.
type VoiceForwarder interface {
	UpdateVoiceServer(ctx context.Context, guildID, token, endpoint string)
	UpdateVoiceSession(ctx context.Context, guildID, sessionID string)
}

// Bot routes gateway events to the directory, the playback node and the
// commands.
type Bot struct {
	gw       *Gateway
	dir      *directory.Directory
	forward  VoiceForwarder
	commands *Commands
	prefix   string
}

func NewBot(gw *Gateway, dir *directory.Directory, forward VoiceForwarder, commands *Commands, prefix string) *Bot {
	return &Bot{gw: gw, dir: dir, forward: forward, commands: commands, prefix: prefix}
}

// Register adds the bot's handlers to the gateway session. Call it before
// Gateway.Open.
func (b *Bot) Register() {
	s := b.gw.Session()
	s.AddHandler(b.onVoiceStateUpdate)
	s.AddHandler(b.onVoiceServerUpdate)
	s.AddHandler(b.onMessageCreate)
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		zlog.Info().Int("guilds", len(r.Guilds)).Msg("discord gateway ready")
	})
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.VoiceState == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	vs := toVoiceState(e, b.gw.UserID())
	if vs.Self {
		session := e.SessionID
		if vs.After == "" {
			session = ""
		}
		b.forward.UpdateVoiceSession(ctx, vs.GuildID, session)
	}
	b.dir.OnVoiceStateChanged(ctx, vs)
}

func toVoiceState(e *discordgo.VoiceStateUpdate, selfID string) directory.VoiceState {
	vs := directory.VoiceState{
		GuildID: e.GuildID,
		UserID:  e.UserID,
		After:   e.ChannelID,
		Self:    selfID != "" && e.UserID == selfID,
	}
	if e.Member != nil && e.Member.User != nil {
		vs.Bot = e.Member.User.Bot && !vs.Self
	}
	if e.BeforeUpdate != nil {
		vs.Before = e.BeforeUpdate.ChannelID
	}
	return vs
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	b.forward.UpdateVoiceServer(ctx, e.GuildID, e.Token, e.Endpoint)
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	name, args, ok := ParseCommand(b.prefix, m.Content)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	reply, ok := b.commands.Execute(ctx, Invocation{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Name:      name,
		Args:      args,
	})
	if !ok {
		return
	}
	zlog.Debug().Str("command", name).Str("user", m.Author.ID).Str("room", m.GuildID).Msg("command executed")
	b.gw.reply(m.ChannelID, reply)
}
