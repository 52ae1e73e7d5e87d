package goofy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB, cfg *Config) *Goofy {
	t.Helper()
	gin.DefaultWriter = io.Discard
	cfg.API.Enabled = true

	bot, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, bot.api)
	return bot
}

func apiGet(t testing.TB, bot *Goofy, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPrefix+path, nil)
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPI_HealthCheck(t *testing.T) {
	bot := newTestAPI(t, DefaultTestConfig(t))

	w := apiGet(t, bot, apiHealthCheck)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.DiscordGatewayConnected)

	bot.discord.connected.Store(true)
	w = apiGet(t, bot, apiHealthCheck)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.DiscordGatewayConnected)
}

func TestAPI_HealthCheck_Webhook(t *testing.T) {
	cfg := DefaultTestConfig(t)
	publicKey, _ := generateDiscordKey(t)
	cfg.Discord.WebhookServer.Enabled = true
	cfg.Discord.WebhookServer.PublicKey = publicKey
	bot := newTestAPI(t, cfg)

	// no gateway connection is expected when using webhooks
	w := apiGet(t, bot, apiHealthCheck)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Status(t *testing.T) {
	bot := newTestAPI(t, DefaultTestConfig(t))
	bot.startedAt = time.Now().Add(-time.Hour)
	bot.discord.connected.Store(true)
	bot.discord.metricConnects.Add(2)
	bot.discord.metricDisconnects.Add(1)
	bot.metricInteractionsReceived.Add(5)
	bot.metricAvatarCommands.Add(3)
	bot.metricPatPatCommands.Add(1)

	w := apiGet(t, bot, apiPathStatus)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, Version, resp.Version)
	assert.True(t, resp.DiscordGatewayConnected)
	assert.EqualValues(t, 2, resp.DiscordConnects)
	assert.EqualValues(t, 1, resp.DiscordDisconnects)
	assert.EqualValues(t, 5, resp.InteractionsReceived)
	assert.EqualValues(t, 3, resp.AvatarCommands)
	assert.EqualValues(t, 1, resp.PatPatCommands)

	uptime, err := time.ParseDuration(resp.Uptime)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uptime, time.Hour)
}

func TestAPI_RequestID(t *testing.T) {
	bot := newTestAPI(t, DefaultTestConfig(t))

	first := apiGet(t, bot, apiHealthCheck).Header().Get(xRequestIDHeader)
	second := apiGet(t, bot, apiHealthCheck).Header().Get(xRequestIDHeader)

	_, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAPI_NotFound(t *testing.T) {
	bot := newTestAPI(t, DefaultTestConfig(t))
	w := apiGet(t, bot, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_InvalidSSL(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = true
	cfg.API.SSL = &SSLConfig{CertFile: "missing.crt", KeyFile: "missing.key"}

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestAPI_Pprof(t *testing.T) {
	t.Run(
		"development", func(t *testing.T) {
			cfg := DefaultTestConfig(t)
			cfg.Development = true
			bot := newTestAPI(t, cfg)

			w := apiGet(t, bot, pprofPrefix+"/")
			assert.Equal(t, http.StatusOK, w.Code)

			w = apiGet(t, bot, pprofPrefix+"/cmdline")
			assert.Equal(t, http.StatusOK, w.Code)
		},
	)

	t.Run(
		"production", func(t *testing.T) {
			bot := newTestAPI(t, DefaultTestConfig(t))
			w := apiGet(t, bot, pprofPrefix+"/")
			assert.Equal(t, http.StatusNotFound, w.Code)
		},
	)
}
