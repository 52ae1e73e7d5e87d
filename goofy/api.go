package goofy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	apiPrefix        = "/api"
	apiHealthCheck   = "/healthcheck"
	apiPathStatus    = "/status"
	pprofPrefix      = "/debug/pprof"
	xRequestIDHeader = "X-Request-ID"
)

var structValidator = validator.New()

// API serves the healthcheck and status endpoints
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	g          *Goofy
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type statusResponse struct {
	Version                 string    `json:"version"`
	CommitSHA               string    `json:"commit_sha"`
	StartedAt               time.Time `json:"started_at"`
	Uptime                  string    `json:"uptime"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	DiscordConnects         int64     `json:"discord_connects"`
	DiscordDisconnects      int64     `json:"discord_disconnects"`
	InteractionsReceived    int64     `json:"interactions_received"`
	AvatarCommands          int64     `json:"avatar_commands"`
	PatPatCommands          int64     `json:"patpat_commands"`
}

func newAPI(g *Goofy, config *APIConfig) (*API, error) {
	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		g:      g,
		logger: newComponentLogger("api", config.LogLevel),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL, DefaultAPITLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	setGinMode(g.config.Development, r)
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
	)

	group := r.Group(apiPrefix)
	group.GET(apiHealthCheck, api.healthCheck)
	group.GET(apiPathStatus, api.status)

	if g.config.Development {
		ginPprof.RouteRegister(group, pprofPrefix)
	}

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, defaultListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig == nil {
		return a.httpServer.Serve(a.listener)
	}
	return a.httpServer.ServeTLS(a.listener, "", "")
}

// healthCheck responds with 200 while the bot is connected to the gateway
// (or serving webhooks), and 503 otherwise
func (a *API) healthCheck(c *gin.Context) {
	connected := a.g.discord.connected.Load()
	status := http.StatusOK
	if !connected && !a.g.config.Discord.WebhookServer.Enabled {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, healthCheckResponse{DiscordGatewayConnected: connected})
}

func (a *API) status(c *gin.Context) {
	g := a.g
	c.JSON(
		http.StatusOK,
		statusResponse{
			Version:                 Version,
			CommitSHA:               CommitSHA,
			StartedAt:               g.startedAt,
			Uptime:                  time.Since(g.startedAt).Truncate(time.Second).String(),
			DiscordGatewayConnected: g.discord.connected.Load(),
			DiscordConnects:         g.discord.metricConnects.Load(),
			DiscordDisconnects:      g.discord.metricDisconnects.Load(),
			InteractionsReceived:    g.metricInteractionsReceived.Load(),
			AvatarCommands:          g.metricAvatarCommands.Load(),
			PatPatCommands:          g.metricPatPatCommands.Load(),
		},
	)
}

func setGinMode(development bool, r *gin.Engine) {
	if development {
		gin.SetMode(gin.DebugMode)
		return
	}
	gin.SetMode(gin.ReleaseMode)
	r.Use(gin.Recovery())
}

// requestIDMiddleware assigns a unique ID to each request, which is
// set in the gin context and returned as the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestLogger := slog.Default()
	if baseLogger, ok := c.Get(loggerNameKey); ok {
		if l, isLogger := baseLogger.(*slog.Logger); isLogger {
			requestLogger = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request along with its duration and
// response status, using the given logger as the base
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Set(loggerNameKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

//nolint:gochecknoinits // validators use the same tag as gin
func init() {
	structValidator.SetTagName("binding")
}
