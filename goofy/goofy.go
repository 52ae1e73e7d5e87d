package goofy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/melancholy-txt/goofy/goofy.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// ErrMissingToken is returned by [New] when no discord bot token
	// is configured
	ErrMissingToken = errors.New("no discord token set (set DISCORD_TOKEN or GOOFY_DISCORD_TOKEN)")

	errStartupTimeout  = errors.New("startup cancelled or timed out")
	errShutdownTimeout = errors.New("in-flight commands did not finish in time")
)

// shutdownAnnouncementInterval is how often the remaining time is logged
// while waiting on in-flight commands to finish
var shutdownAnnouncementInterval = 10 * time.Second

// Goofy is the bot: it owns the discord session, the optional HTTP
// servers, the database and the patpat composer.
type Goofy struct {
	config *Config
	logger *slog.Logger

	discord              *Discord
	discordWebhookServer *DiscordWebhookServer
	api                  *API

	db      *gorm.DB
	writeDB *database

	composer *Composer
	fetcher  *AvatarFetcher

	// runtimeWG tracks in-flight command goroutines, which are waited on
	// during shutdown
	runtimeWG *sync.WaitGroup
	runMu     sync.Mutex

	// getInteractionHandlerFunc returns the InteractionHandler used for
	// an incoming interaction. Replaced in tests.
	getInteractionHandlerFunc func(ctx context.Context, i *discordgo.InteractionCreate) InteractionHandler
	webhookInteractionHandler gin.HandlerFunc

	startedAt   time.Time
	signalReady chan struct{}

	metricInteractionsReceived atomic.Int64
	metricAvatarCommands       atomic.Int64
	metricPatPatCommands       atomic.Int64
}

// New validates the minimum configuration and creates the bot's
// components. Nothing connects until [Goofy.Run] is called.
func New(config *Config) (*Goofy, error) {
	if config.Discord == nil || config.Discord.Token == "" {
		return nil, ErrMissingToken
	}
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.PatPat == nil {
		patpat := DefaultPatPatConfig()
		config.PatPat = &patpat
	}

	g := &Goofy{
		config:      config,
		runtimeWG:   &sync.WaitGroup{},
		signalReady: make(chan struct{}, 1),
	}

	g.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(g.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord, newComponentLogger("discord", config.Discord.LogLevel))
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	g.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	g.composer = NewComposer(*config.PatPat)
	g.fetcher = newAvatarFetcher(
		config.HTTPClient,
		*config.PatPat,
		newComponentLogger("composer", config.PatPat.LogLevel),
	)

	if config.API != nil && config.API.Enabled {
		api, e := newAPI(g, config.API)
		errs = append(errs, e)
		g.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		if config.Discord.ApplicationID == "" {
			errs = append(errs, fmt.Errorf("webhook server enabled: %w", errNoApplicationID))
		}
		webhookServer, e := newWebhookServer(g, config.Discord.WebhookServer)
		errs = append(errs, e)
		g.discordWebhookServer = webhookServer
	}

	return g, errors.Join(errs...)
}

// ValidateConfig validates the config against its `binding` tags
func (g *Goofy) ValidateConfig() error {
	return structValidator.Struct(g.config)
}

// RegisterSlashCommands registers `/avatar` and `/patpat`
func (g *Goofy) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return g.discord.registerCommands(options...)
}

// Run connects to discord (or starts the webhook server), registers
// commands and handles interactions until ctx is canceled, then shuts
// down gracefully.
func (g *Goofy) Run(ctx context.Context) error {
	// prevents concurrent runs
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.startedAt = time.Now()
	logger := g.logger

	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", g.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.webhookInteractionHandler = webhookReceiveHandler(ctx, g)

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()

	if err := g.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if err := g.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	servers, serverCtx := errgroup.WithContext(ctx)
	if g.api != nil {
		servers.Go(
			func() error {
				return ignoreServerClosed(g.api.Serve(serverCtx))
			},
		)
	}
	if g.discordWebhookServer != nil {
		servers.Go(
			func() error {
				return ignoreServerClosed(g.discordWebhookServer.Serve(serverCtx))
			},
		)
	}

	initErr := make(chan error, 1)
	go func() {
		initErr <- g.discordInit(startCtx)
	}()

	select {
	case <-startCtx.Done():
		cancel()
		return errors.Join(errStartupTimeout, g.shutdown(ctx), servers.Wait())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			cancel()
			return errors.Join(err, g.shutdown(ctx), servers.Wait())
		}
	}
	startCancel()

	g.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(g.startedAt))

	// block until something cancels the runtime context (generally an
	// interrupt), or one of the servers fails
	<-serverCtx.Done()
	cancel()

	shutdownErr := g.shutdown(ctx)
	return errors.Join(servers.Wait(), shutdownErr)
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Goofy) initDB(ctx context.Context) error {
	handler := newLogHandler(g.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, g.config.DatabaseSlowThreshold)

	db, err := getDB(g.config.DatabaseType, g.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	g.db = db
	g.writeDB = newDatabase(db, g.logger, g.config.DatabaseType == dbTypePostgres)

	if g.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	g.logger.DebugContext(ctx, "migrating database...")
	return migrate(ctx, db)
}

// initDiscordSession creates the discord session, if one wasn't already
// set, and adds the gateway event handlers
func (g *Goofy) initDiscordSession(ctx context.Context) error {
	if g.discord.session == nil {
		disc, err := g.discord.newSession()
		if err != nil {
			return err
		}
		g.discord.session = disc
	}

	for _, h := range g.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	g.discord.session.SetIdentify(
		discordgo.Identify{Intents: g.config.Discord.GatewayIntents},
	)

	g.discord.discordgoRemoveHandlerFuncs = []func(){
		g.discord.session.AddHandler(g.discord.handlerConnect()),
		g.discord.session.AddHandler(g.discord.handlerDisconnect()),
		g.discord.session.AddHandler(g.discord.handlerReady()),
		g.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := g.getInteractionHandlerFunc(ctx, i)
				g.runtimeWG.Add(1)
				go func() {
					defer g.runtimeWG.Done()
					g.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if g.getInteractionHandlerFunc == nil {
		g.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     g.discord.session,
				interaction: i,
				logger: g.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// discordInit opens the gateway connection (unless interactions are
// received via webhook), sets the custom status and registers commands
func (g *Goofy) discordInit(ctx context.Context) error {
	logger := g.discord.logger
	if !g.config.Discord.WebhookServer.Enabled {
		logger.InfoContext(ctx, "connecting to discord")
		if err := g.discord.session.Open(); err != nil {
			logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
			return fmt.Errorf("error connecting to discord: %w", err)
		}
		if status := g.config.Discord.CustomStatus; status != "" {
			if err := g.discord.session.UpdateCustomStatus(status); err != nil {
				logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}
		if _, err := g.discord.waitForApplicationID(ctx); err != nil {
			return err
		}
	}

	if _, err := g.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
		return err
	}
	return nil
}

// handleInteraction handles interactions received by either the gateway
// or webhook server
func (g *Goofy) handleInteraction(ctx context.Context, handler InteractionHandler) {
	logger := handler.Logger()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, logger), rc)
		}
	}()

	i := handler.GetInteraction()
	g.metricInteractionsReceived.Add(1)

	// discord's endpoint verification pings don't include a user
	if i.Type == discordgo.InteractionPing {
		logger.InfoContext(ctx, "received ping")
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(*discordUser)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if g.writeDB != nil {
		interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, createErr := g.writeDB.Create(ctx, interactionLog); createErr != nil {
					logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
				}
			}()
		}
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		switch commandName {
		case DiscordSlashCommandAvatar:
			g.runAvatarCommand(ctx, handler, discordUser)
		case DiscordSlashCommandPatPat:
			g.startPatPatCommand(ctx, handler, discordUser)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// startPatPatCommand acknowledges `/patpat`, then builds and sends the GIF
// in the background. The acknowledgement has to be sent before the
// webhook request returns.
func (g *Goofy) startPatPatCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger := handler.Logger()
	rec, target, err := g.newPatPatCommand(handler.GetInteraction(), u)
	if err != nil {
		logger.ErrorContext(ctx, "error getting command target", tint.Err(err))
		g.respondError(ctx, handler, &rec.Interaction, err)
		g.saveCommand(ctx, logger, rec)
		return
	}

	if ackErr := handler.Respond(ctx, g.discord.ackResponse()); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		rec.finish("", ackErr)
		g.saveCommand(ctx, logger, rec)
		return
	}
	rec.Acknowledged = true

	// in-flight commands are allowed to finish after the runtime
	// context is canceled, up to the interaction token's lifespan
	runCtx, runCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		discordInteractionTokenLifespan,
	)
	g.runtimeWG.Add(1)
	go func() {
		defer g.runtimeWG.Done()
		defer runCancel()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(runCtx, rc)
			}
		}()
		g.runPatPatCommand(runCtx, handler, u, rec, target)
	}()
}

// shutdown stops the HTTP servers and the discord session, then waits for
// in-flight commands to finish, up to [Config.ShutdownTimeout].
func (g *Goofy) shutdown(ctx context.Context) error {
	logger := g.logger
	logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(g.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var stopErrs []error
	var mu sync.Mutex
	stopWG := &sync.WaitGroup{}
	stop := func(name string, f func() error) {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "stopping "+name)
			if err := f(); err != nil {
				mu.Lock()
				stopErrs = append(stopErrs, fmt.Errorf("error stopping %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	if g.api != nil {
		stop("api server", func() error { return g.api.httpServer.Shutdown(closeCtx) })
	}
	if g.discordWebhookServer != nil {
		stop("webhook server", func() error {
			return g.discordWebhookServer.httpServer.Shutdown(closeCtx)
		})
	}
	if g.discord.session != nil {
		stop("discord session", func() error {
			defer func() {
				for _, h := range g.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				g.discord.discordgoRemoveHandlerFuncs = nil
			}()
			return g.discord.session.Close()
		})
	}
	stopWG.Wait()

	// graceful shutdown - at least until closeCtx is done
	doneCh := make(chan struct{})
	go func() {
		g.runtimeWG.Wait()
		close(doneCh)
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-doneCh:
			logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return errors.Join(stopErrs...)
		case <-announcementTicker.C:
			logger.WarnContext(
				ctx,
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			logger.WarnContext(ctx, "in-flight commands did not finish in time")
			return errors.Join(append(stopErrs, errShutdownTimeout)...)
		}
	}
}
