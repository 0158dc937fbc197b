package discord

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/abdelmounim-dev/voicesync/directory"
	"github.com/abdelmounim-dev/voicesync/store"
	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

const maxDeviceName = 16

// Reply is the embed sent back for a command.
type Reply struct {
	Author      string
	Icon        string
	Title       string
	URL         string
	Description string
	Color       int
}

func (r Reply) Embed() *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       r.Title,
		URL:         r.URL,
		Description: r.Description,
		Color:       r.Color,
	}
	if r.Author != "" {
		e.Author = &discordgo.MessageEmbedAuthor{Name: r.Author, IconURL: r.Icon}
	}
	return e
}

func failure(author, description string) Reply {
	return Reply{Author: author, Icon: iconForbidden, Description: description, Color: colorError}
}

func info(description string) Reply {
	return Reply{Description: description, Color: colorInfo}
}

// Invocation is one parsed command message.
type Invocation struct {
	GuildID   string
	ChannelID string
	UserID    string
	Name      string
	Args      string
}

// ParseCommand splits a message into a command name and its argument text.
// It reports false when content does not start with prefix.
func ParseCommand(prefix, content string) (name, args string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(content[len(prefix):])
	if rest == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Guilds answers the guild questions the commands ask the gateway.
type Guilds interface {
	VoiceChannel(guildID, userID string) string
	CanPlay(channelID string) bool
}

// Commands executes the chat commands against the directory and store.
type Commands struct {
	dir     *directory.Directory
	store   store.Store
	guilds  Guilds
	prefix  string
	linkURL string
}

func NewCommands(dir *directory.Directory, st store.Store, guilds Guilds, prefix, linkURL string) *Commands {
	return &Commands{dir: dir, store: st, guilds: guilds, prefix: prefix, linkURL: linkURL}
}

// Execute runs inv and returns the reply. Unknown commands return false.
func (c *Commands) Execute(ctx context.Context, inv Invocation) (Reply, bool) {
	switch inv.Name {
	case "join":
		return c.join(ctx, inv), true
	case "leave", "disconnect":
		return c.leave(inv), true
	case "stay", "24/7":
		return c.stay(inv), true
	case "playing", "np":
		return c.playing(inv), true
	case "switch":
		return c.switchDevice(ctx, inv), true
	case "link":
		return c.link(ctx, inv), true
	case "unlink":
		return c.unlink(ctx, inv), true
	case "rename":
		return c.rename(ctx, inv), true
	case "help":
		return c.help(), true
	}
	return Reply{}, false
}

func (c *Commands) linkMessage() string {
	return `You need to link your Spotify account with the bot using the "` + c.prefix + `link" command`
}

func (c *Commands) join(ctx context.Context, inv Invocation) Reply {
	const author = "Cannot join voice channel"

	voiceID := c.guilds.VoiceChannel(inv.GuildID, inv.UserID)
	if voiceID == "" {
		return failure(author, "You need to connect to a voice channel")
	}
	cred, err := c.store.GetCredential(ctx, inv.UserID)
	if err != nil {
		zlog.Error().Err(err).Str("user", inv.UserID).Msg("failed to load credential")
		return failure(author, "Something went wrong, try again later")
	}
	if cred == nil {
		return failure(author, c.linkMessage())
	}
	if !c.guilds.CanPlay(voiceID) {
		return failure(author, "I don't have the appropriate permissions to play music in that channel")
	}

	result, err := c.dir.Join(ctx, directory.JoinRequest{
		GuildID: inv.GuildID,
		UserID:  inv.UserID,
		VoiceID: voiceID,
		TextID:  inv.ChannelID,
	})
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNotInVoice):
		return failure(author, "You need to connect to a voice channel")
	case errors.Is(err, directory.ErrNotLinked):
		return failure(author, c.linkMessage())
	case errors.Is(err, directory.ErrUserBusy):
		return failure(author, "Voicesync is already active on your Discord account somewhere else")
	case errors.Is(err, directory.ErrRoomBusy):
		return failure(author, "The bot is currently being used in another voice channel")
	case errors.Is(err, directory.ErrJoinFailed):
		return failure(author, "Could not connect to your Spotify account, try again later")
	default:
		zlog.Error().Err(err).Str("room", inv.GuildID).Msg("join failed")
		return failure(author, "Something went wrong, try again later")
	}

	if result == directory.Joined {
		return Reply{
			Author:      "Listening along",
			Icon:        iconSpotify,
			Description: "You have joined the listening party, check your Spotify!",
			Color:       colorInfo,
		}
	}
	return Reply{
		Author:      "Connected to voice channel",
		Icon:        iconSpotify,
		Description: "Come listen along in <#" + voiceID + ">",
		Color:       colorInfo,
	}
}

func (c *Commands) leave(inv Invocation) Reply {
	const author = "Cannot disconnect bot"
	err := c.dir.Leave(inv.GuildID, inv.UserID)
	switch {
	case err == nil:
		return Reply{Author: "Disconnected bot", Icon: iconSpotify, Description: "The bot has been disconnected", Color: colorInfo}
	case errors.Is(err, directory.ErrNotHost):
		return failure(author, "The bot is currently being managed by someone else")
	default:
		return failure(author, "The bot is currently not connected to any voice channel")
	}
}

func (c *Commands) stay(inv Invocation) Reply {
	enabled, err := c.dir.ToggleStay(inv.GuildID)
	if err != nil {
		return failure("Cannot change stay setting", "The bot is currently not connected to any voice channel")
	}
	if enabled {
		return info("The bot will stay in this call indefinitely")
	}
	return info("The bot will leave the call if it's been inactive for too long")
}

func (c *Commands) playing(inv Invocation) Reply {
	const author = "Cannot get track info"
	snap, err := c.dir.NowPlaying(inv.GuildID)
	switch {
	case errors.Is(err, directory.ErrNotConnected):
		return failure(author, "The bot is currently not connected to any voice channel")
	case err != nil:
		return failure(author, "The bot is currently not playing anything")
	}

	t := snap.Track.Metadata
	reply := Reply{
		Author:      "Currently Playing",
		Icon:        iconSpotify,
		Title:       snap.Track.ArtistNames() + " - " + t.Name,
		URL:         trackURL(t.URI),
		Description: Progress(snap.PositionMs, t.Duration, snap.Paused) + "\nHosted by <@" + snap.HostID + ">",
		Color:       colorInfo,
	}
	if snap.Result != nil && snap.Result.URI != "" {
		reply.Description = "Click **[here](" + snap.Result.URI + ")** for the YouTube version\n\n" + reply.Description
	}
	return reply
}

func (c *Commands) switchDevice(ctx context.Context, inv Invocation) Reply {
	const author = "Cannot switch player"
	err := c.dir.SwitchDevice(ctx, inv.GuildID, inv.UserID)
	switch {
	case errors.Is(err, directory.ErrNotConnected):
		return failure(author, "The bot is currently not connected to any voice channel")
	case errors.Is(err, directory.ErrNotListening):
		return failure(author, "Voicesync is currently not activated on your Spotify")
	case err != nil:
		return failure(author, "Unable to switch to the Voicesync player")
	}

	name, err := c.store.GetDisplayName(ctx, inv.UserID)
	if err != nil {
		name = store.DefaultDisplayName
	}
	return info("Successfully set the Spotify device to **" + EscapeMarkdown(name) + "**")
}

func (c *Commands) link(ctx context.Context, inv Invocation) Reply {
	cred, err := c.store.GetCredential(ctx, inv.UserID)
	if err == nil && cred != nil {
		return Reply{Description: "You have already linked your Spotify account.", Color: colorError}
	}
	if c.linkURL == "" {
		return Reply{Description: "Account linking is not available on this bot", Color: colorError}
	}
	return info("Go to [this link](" + c.linkURL + ") to connect your Spotify account.")
}

func (c *Commands) unlink(ctx context.Context, inv Invocation) Reply {
	cred, err := c.store.GetCredential(ctx, inv.UserID)
	if err != nil || cred == nil {
		return Reply{Description: "You cannot unlink your Spotify account if you haven't linked one.", Color: colorError}
	}

	c.dir.Forget(inv.UserID)
	if err := c.store.DeleteCredential(ctx, inv.UserID); err != nil {
		zlog.Error().Err(err).Str("user", inv.UserID).Msg("failed to delete credential")
		return Reply{Description: "Something went wrong, try again later", Color: colorError}
	}
	return info("Successfully unlinked your Spotify account")
}

func (c *Commands) rename(ctx context.Context, inv Invocation) Reply {
	name := strings.TrimSpace(inv.Args)
	if name == "" {
		return Reply{Description: "An empty device name is not allowed", Color: colorError}
	}
	if utf8.RuneCountInString(name) > maxDeviceName {
		return Reply{Description: "Device name may not be longer than 16 characters", Color: colorError}
	}
	if err := c.store.SetDisplayName(ctx, inv.UserID, name); err != nil {
		zlog.Error().Err(err).Str("user", inv.UserID).Msg("failed to save device name")
		return Reply{Description: "Something went wrong, try again later", Color: colorError}
	}
	return info("Successfully changed the Spotify device name to **" + EscapeMarkdown(name) + "**")
}

func (c *Commands) help() Reply {
	p := c.prefix
	return Reply{
		Author: "Voicesync Help",
		Title:  "Commands",
		Description: "`" + p + "join` bring the bot into your voice channel\n" +
			"`" + p + "leave` disconnect the bot\n" +
			"`" + p + "stay` keep the bot in the call while inactive\n" +
			"`" + p + "playing` show the current track\n" +
			"`" + p + "switch` move your Spotify playback to the bot\n" +
			"`" + p + "rename <name>` change the device name shown in Spotify\n" +
			"`" + p + "link` / `" + p + "unlink` manage your linked account",
		Color: colorSuccess,
	}
}

func trackURL(uri string) string {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[1] != "track" {
		return ""
	}
	return "https://open.spotify.com/track/" + parts[2]
}
