package goofy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscord(t testing.TB, appID string) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultConfig().Discord
	cfg.ApplicationID = appID
	cfg.GuildID = "guild"
	d, err := newDiscord(cfg, slog.Default().With("test_name", t.Name()))
	require.NoError(t, err)
	session := newMockDiscordSession(t)
	d.session = session
	return d, session
}

func TestDiscord_RegisterCommands(t *testing.T) {
	d, session := newTestDiscord(t, "app")

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 2)

	cmds := <-session.callBulkOverwrite
	require.Len(t, cmds, 2)

	for _, c := range cmds {
		assert.Equal(t, discordgo.ChatApplicationCommand, c.Type)
		assert.NotEmpty(t, c.Description)
		require.NotNil(t, c.DMPermission)
		assert.False(t, *c.DMPermission)
		require.NotNil(t, c.Contexts)
		assert.Equal(
			t,
			[]discordgo.InteractionContextType{discordgo.InteractionContextGuild},
			*c.Contexts,
		)

		require.Len(t, c.Options, 1)
		opt := c.Options[0]
		assert.Equal(t, memberCommandOption, opt.Name)
		assert.Equal(t, discordgo.ApplicationCommandOptionUser, opt.Type)
		assert.True(t, opt.Required)
	}
	assert.Equal(t, DiscordSlashCommandAvatar, cmds[0].Name)
	assert.Equal(t, DiscordSlashCommandPatPat, cmds[1].Name)
}

func TestDiscord_RegisterCommandsNoApplicationID(t *testing.T) {
	d, session := newTestDiscord(t, "")

	_, err := d.registerCommands()
	assert.ErrorIs(t, err, errNoApplicationID)
	assert.Empty(t, session.callBulkOverwrite)
}

func TestDiscord_HandlerReady(t *testing.T) {
	t.Run(
		"from application", func(t *testing.T) {
			d, _ := newTestDiscord(t, "")
			d.handlerReady()(
				nil,
				&discordgo.Ready{
					SessionID:   "session",
					User:        &discordgo.User{ID: "bot_user", Username: "goofy"},
					Application: &discordgo.Application{ID: "app_id"},
				},
			)
			assert.Equal(t, "app_id", d.ApplicationID())
		},
	)

	t.Run(
		"from user", func(t *testing.T) {
			d, _ := newTestDiscord(t, "")
			d.handlerReady()(
				nil,
				&discordgo.Ready{User: &discordgo.User{ID: "bot_user", Username: "goofy"}},
			)
			assert.Equal(t, "bot_user", d.ApplicationID())
		},
	)

	t.Run(
		"configured wins", func(t *testing.T) {
			d, _ := newTestDiscord(t, "configured")
			d.handlerReady()(
				nil,
				&discordgo.Ready{
					User:        &discordgo.User{ID: "bot_user"},
					Application: &discordgo.Application{ID: "app_id"},
				},
			)
			assert.Equal(t, "configured", d.ApplicationID())
		},
	)
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	d, _ := newTestDiscord(t, "app")
	assert.False(t, d.connected.Load())

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(2), d.metricConnects.Load())
}

func TestDiscordAckResponse(t *testing.T) {
	d, _ := newTestDiscord(t, "app")
	resp := d.ackResponse()
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	assert.Nil(t, resp.Data)
}

func TestNewDiscord_PublicKey(t *testing.T) {
	publicKey, _ := generateDiscordKey(t)

	cfg := DefaultConfig().Discord
	cfg.WebhookServer.PublicKey = publicKey
	d, err := newDiscord(cfg, slog.Default())
	require.NoError(t, err)
	assert.Len(t, d.publicKey, 32)

	cfg.WebhookServer.PublicKey = "abcd"
	_, err = newDiscord(cfg, slog.Default())
	assert.Error(t, err)
}

func TestGetDiscordUser(t *testing.T) {
	u := &discordgo.User{ID: "dm_user"}
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Same(t, u, getDiscordUser(i))

	m := &discordgo.User{ID: "guild_user"}
	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: m}},
	}
	assert.Same(t, m, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestDisplayName(t *testing.T) {
	u := &discordgo.User{Username: "user", GlobalName: "Global"}
	tests := []struct {
		name     string
		member   *discordgo.Member
		user     *discordgo.User
		expected string
	}{
		{
			name:     "nick",
			member:   &discordgo.Member{Nick: "Nick", User: u},
			expected: "Nick",
		},
		{
			name:     "global name",
			member:   &discordgo.Member{User: u},
			expected: "Global",
		},
		{
			name:     "username",
			member:   &discordgo.Member{User: &discordgo.User{Username: "user"}},
			expected: "user",
		},
		{
			name:     "user without member",
			user:     u,
			expected: "Global",
		},
		{
			name:     "nothing",
			expected: "",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, displayName(tc.member, tc.user))
			},
		)
	}
}

func TestGatewayHandler(t *testing.T) {
	session := newMockDiscordSession(t)
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{ID: "gw"}}
	h := GatewayHandler{
		session:     session,
		interaction: i,
		logger:      slog.Default().With("test_name", t.Name()),
	}

	assert.Equal(t, discordInteractionReceiveMethodGateway, h.InteractionReceiveMethod())
	assert.Same(t, i, h.GetInteraction())
	assert.NoError(t, h.Respond(context.Background(), &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}))
	_, err := h.Edit(context.Background(), &discordgo.WebhookEdit{})
	assert.NoError(t, err)
}

func TestDiscord_WaitForApplicationID(t *testing.T) {
	t.Run(
		"configured", func(t *testing.T) {
			d, _ := newTestDiscord(t, "app")
			id, err := d.waitForApplicationID(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "app", id)
		},
	)

	t.Run(
		"from ready", func(t *testing.T) {
			d, _ := newTestDiscord(t, "")
			go func() {
				time.Sleep(100 * time.Millisecond)
				d.handlerReady()(
					nil, &discordgo.Ready{
						Application: &discordgo.Application{ID: "ready_app"},
					},
				)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			id, err := d.waitForApplicationID(ctx)
			require.NoError(t, err)
			assert.Equal(t, "ready_app", id)
		},
	)

	t.Run(
		"canceled", func(t *testing.T) {
			d, _ := newTestDiscord(t, "")
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err := d.waitForApplicationID(ctx)
			assert.ErrorIs(t, err, errNoApplicationID)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		},
	)
}
