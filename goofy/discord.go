package goofy

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordInteractionTokenLifespan defines the lifespan of a Discord interaction token.
	// Discord interaction tokens currently expire after 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	// memberCommandOption is the option name used by both commands for
	// the targeted guild member
	memberCommandOption = "member"
)

var errNoApplicationID = errors.New("no application ID configured or received from discord")

// Discord represents the Discord integration for goofy.
//
// It manages the Discord session, registers commands, and tracks the
// gateway connection state.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// applicationID is taken from the READY event when it isn't configured
	applicationID string
	mu            sync.RWMutex

	// ready is closed after the first READY event has been handled
	ready     chan struct{}
	readyOnce sync.Once
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	d := &Discord{
		config:                      config,
		logger:                      logger,
		applicationID:               config.ApplicationID,
		discordgoRemoveHandlerFuncs: []func(){},
		ready:                       make(chan struct{}),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length: %d", len(publicKey))
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session with the configured token,
// HTTP client and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	disc.LogLevel = discordgoLogLevel(d.config.DiscordGoLogLevel.Level())

	return DiscordSession{
		session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session_handler"),
	}, nil
}

// ApplicationID returns the configured application ID, or the one
// received when connecting to the gateway
func (d *Discord) ApplicationID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.applicationID
}

func (d *Discord) setApplicationID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applicationID == "" {
		d.applicationID = id
	}
}

// waitForApplicationID returns the application ID, waiting for the READY
// event to provide it when it isn't configured. discordgo dispatches READY
// on its own goroutine, so it may arrive after Open returns.
func (d *Discord) waitForApplicationID(ctx context.Context) (string, error) {
	if id := d.ApplicationID(); id != "" {
		return id, nil
	}
	select {
	case <-d.ready:
		if id := d.ApplicationID(); id != "" {
			return id, nil
		}
		return "", errNoApplicationID
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for READY: %w", errors.Join(errNoApplicationID, ctx.Err()))
	}
}

func guildCommandContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func memberOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        memberCommandOption,
		Description: description,
		Required:    true,
	}
}

// appCommandAvatar creates the ApplicationCommand for `/avatar`
func (*Discord) appCommandAvatar() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandAvatar,
		Type:         discordgo.ChatApplicationCommand,
		Description:  "Get a member's profile picture",
		DMPermission: &dmPerm,
		Contexts:     guildCommandContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			memberOption("The member whose avatar to show"),
		},
	}
}

// appCommandPatPat creates the ApplicationCommand for `/patpat`
func (*Discord) appCommandPatPat() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandPatPat,
		Type:         discordgo.ChatApplicationCommand,
		Description:  "Pat someone's avatar!",
		DMPermission: &dmPerm,
		Contexts:     guildCommandContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			memberOption("The member to pat"),
		},
	}
}

func (d *Discord) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		d.appCommandAvatar(),
		d.appCommandPatPat(),
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID := d.ApplicationID()
	if appID == "" {
		return nil, errNoApplicationID
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	d.logger.Info(fmt.Sprintf("Synced %d command(s)", len(created)))
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.Application != nil {
			d.setApplicationID(r.Application.ID)
		}
		var username string
		var userID string
		if r.User != nil {
			username = r.User.String()
			userID = r.User.ID
			if d.ApplicationID() == "" {
				d.setApplicationID(r.User.ID)
			}
		}
		d.readyOnce.Do(
			func() {
				close(d.ready)
			},
		)
		d.logger.Info(
			fmt.Sprintf("%s has connected to Discord!", username),
			"session_id", r.SessionID,
			"user_id", userID,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

// ackResponse returns a deferred response, which shows the
// "bot is thinking" state until the response is edited
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildRoles returns the roles of the given guild
	GuildRoles(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	roles, err := d.session.GuildRoles(guildID, options...)
	if err != nil {
		d.logger.Error("error retrieving guild roles", tint.Err(err), "guild_id", guildID)
	}
	return roles, err
}

// SetIdentify copies the intents and presence from i. The token and
// connection properties set by discordgo.New are kept.
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// displayName returns the name shown for a member in a guild: their
// nickname, global name or username, in that order
func displayName(m *discordgo.Member, u *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil && m != nil {
		u = m.User
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
