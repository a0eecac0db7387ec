package puddlesbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// defaultLogWriter is where log output goes. Variable so tests can
	// capture it.
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New(validator.WithRequiredStructEnabled())

	// pagedMessageTTL is how long a paginated list message's buttons
	// stay live. Rows older than this are pruned at startup.
	pagedMessageTTL = 30 * 24 * time.Hour
)

// PuddlesBot is the top-level bot: discord session, database, task
// lifecycle engine, reminder scheduler, identity resolver, and the
// dashboard API.
type PuddlesBot struct {
	config *Config

	dbNotifier DBNotifier

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference between this and [PuddlesBot.db] is that, when using
	// sqlite, a mutex is used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// The task lifecycle engine. All task state transitions go
	// through here.
	lifecycle *TaskLifecycle

	// Fans out display-name lookups for list rendering
	resolver *displayNameResolver

	// The due-date reminder scheduler
	scheduler *reminderScheduler

	// Provides the dashboard API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initialization: database migrated, discord session open, commands
	// registered, scheduler running
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot ignores task commands
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	commandsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
}

// New creates a PuddlesBot from the given config. The database isn't
// touched until [PuddlesBot.Run].
func New(config *Config) (*PuddlesBot, error) {
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

	p := &PuddlesBot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	p.logHandler = newTintHandler(defaultLogWriter, p.config.LogLevel)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	p.config.Discord.httpClient = p.config.HTTPClient

	disc, err := newDiscord(p.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(
			defaultLogWriter,
			p.config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			newTintHandler(defaultLogWriter, p.config.Discord.LogLevel),
		).With(loggerNameKey, "discord")
		p.discord = disc
		disc.bot = p
	}

	api, err := newAPI(p, config.API)
	errs = append(errs, err)
	p.api = api

	return p, errors.Join(errs...)
}

func (p *PuddlesBot) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (p *PuddlesBot) RuntimeConfig() RuntimeConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	if p.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *p.runtimeConfig
}

// RegisterSlashCommands registers the bot's slash commands via the
// discord bulk overwrite endpoint
func (p *PuddlesBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return p.discord.registerCommands(options...)
}

// Run starts the bot and blocks until ctx is cancelled or a stop signal
// is received, then shuts down gracefully.
func (p *PuddlesBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.signalStop = make(chan struct{}, 1)
	p.startedAt = time.Now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			p.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			p.logger.Warn("context canceled, sending stop signal")
			p.signalStop <- struct{}{}
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- p.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := p.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			p.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := p.initDiscordSession(ctx, runtimeWG); err != nil {
		p.logger.ErrorContext(ctx, "error starting discord session", tint.Err(err))
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		p.scheduler.Run(ctx)
	}()

	p.startRuntimeConfigRefresher(ctx, runtimeWG)

	for _, channel := range []string{
		p.dbNotifier.RuntimeConfigChannelName(),
		p.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		channel := channel
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := p.dbNotifier.Listen(ctx, channel); e != nil {
				p.logger.ErrorContext(
					ctx,
					"error listening on notify channel",
					"channel", channel,
					tint.Err(e),
				)
			}
		}()
	}

	p.signalReady <- struct{}{}
	p.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return p.shutdown(context.Background(), runtimeWG)
}

// initRun initializes the database, runtime config, lifecycle engine,
// resolver and scheduler. Called with the startup timeout context.
func (p *PuddlesBot) initRun(ctx context.Context) error {
	if err := p.initDB(ctx); err != nil {
		return err
	}

	notifier, err := newDBNotifier(p)
	if err != nil {
		return err
	}
	p.dbNotifier = notifier

	runtimeConfig, err := getOrCreateRuntimeConfig(p.db.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}
	p.cfgMu.Lock()
	p.runtimeConfig = &runtimeConfig
	p.cfgMu.Unlock()
	p.paused.Store(runtimeConfig.Paused)

	p.lifecycle = NewTaskLifecycle(
		p.writeDB,
		p.logger,
		func() bool {
			return p.RuntimeConfig().ResetReminderStagesOnDueEdit
		},
	)

	p.resolver = newDisplayNameResolver(
		p.discord.lookupDisplayName,
		p.config.Resolver,
		p.logger,
	)

	p.scheduler = newReminderScheduler(
		p.writeDB,
		p.config.Reminder,
		p.discord,
		p.logger,
		func() bool {
			return p.RuntimeConfig().RemindersEnabled
		},
	)
	p.scheduler.databaseType = p.config.DatabaseType
	p.scheduler.databasePath = p.config.Database

	return p.prunePagedMessages(ctx)
}

// initDB creates the GORM connection, runs migrations, and sets up the
// read/write handles
func (p *PuddlesBot) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, p.config.DatabaseType, p.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	gormLogger := newGORMLogger(p.logHandler, p.config.DatabaseSlowThreshold)
	db.Logger = gormLogger

	p.db = db
	p.writeDB = NewDatabase(
		db,
		p.logger,
		p.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// prunePagedMessages deletes durable pagination records past their TTL.
// The remaining rows back the restart-surviving page buttons.
func (p *PuddlesBot) prunePagedMessages(ctx context.Context) error {
	cutoff := time.Now().Add(-pagedMessageTTL).UnixMilli()
	rv := p.db.WithContext(ctx).Unscoped().Where(
		"created_at < ?",
		cutoff,
	).Delete(&PagedMessage{})
	if rv.Error != nil {
		return rv.Error
	}

	var live int64
	if err := p.db.WithContext(ctx).Model(
		&PagedMessage{},
	).Count(&live).Error; err != nil {
		return err
	}
	p.logger.InfoContext(
		ctx,
		"restored paginated messages",
		"live", live,
		"pruned", rv.RowsAffected,
	)
	return nil
}

// initDiscordSession opens the discord gateway connection, registers
// slash commands, and wires the gateway event handlers.
func (p *PuddlesBot) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	session, err := p.discord.newSession()
	if err != nil {
		return err
	}
	p.discord.session = session

	session.SetIdentify(
		discordgo.Identify{
			Intents: p.config.Discord.GatewayIntents,
		},
	)

	p.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(p.discord.handlerReady()),
		session.AddHandler(p.discord.handlerConnect()),
		session.AddHandler(p.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					p.handleInteraction(ctx, i)
				}()
			},
		),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = p.RegisterSlashCommands(
		discordgo.WithContext(ctx),
	); err != nil {
		return err
	}

	if p.config.Discord.CustomStatus != "" {
		if statusErr := p.discord.updateCustomStatus(
			p.config.Discord.CustomStatus,
		); statusErr != nil {
			p.logger.WarnContext(
				ctx,
				"error setting custom status",
				tint.Err(statusErr),
			)
		}
	}

	return nil
}

// handleInteraction dispatches one incoming discord interaction
func (p *PuddlesBot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	defer p.handleRecover(ctx, recover())

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		p.logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger := p.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := p.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	p.commandsInProgress.Add(1)
	defer p.commandsInProgress.Add(-1)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = p.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		p.handlePageComponent(ctx, i)
	case discordgo.InteractionApplicationCommand:
		p.handleApplicationCommand(ctx, i)
	}
}

func (p *PuddlesBot) handleApplicationCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	commandName := i.ApplicationCommandData().Name

	if p.paused.Load() && isTaskCommand(commandName) {
		p.respondEphemeral(
			ctx,
			i,
			"Task commands are paused right now, try again later.",
		)
		return
	}

	switch commandName {
	case DiscordSlashCommandTask:
		p.handleTaskCreate(ctx, i)
	case DiscordSlashCommandTaskEdit:
		p.handleTaskEdit(ctx, i)
	case DiscordSlashCommandTaskDone:
		p.handleTaskDone(ctx, i)
	case DiscordSlashCommandSnipe:
		p.handleSnipe(ctx, i)
	case DiscordSlashCommandSnipeReview:
		p.handleSnipeReview(ctx, i)
	case DiscordSlashCommandTaskDelete:
		p.handleTaskDelete(ctx, i)
	case DiscordSlashCommandMyTasks:
		p.handleTaskList(ctx, i, TaskListViewMine)
	case DiscordSlashCommandShowTasks:
		p.handleTaskList(ctx, i, TaskListViewOpen)
	case DiscordSlashCommandAllTasks:
		p.handleTaskList(ctx, i, TaskListViewAll)
	case DiscordSlashCommandOldTasks:
		p.handleTaskList(ctx, i, TaskListViewOld)
	case DiscordSlashCommandTCW:
		p.handleTCW(ctx, i)
	case DiscordSlashCommandQuack:
		p.handleQuack(ctx, i)
	case DiscordSlashCommandDiceRoll:
		p.handleDiceRoll(ctx, i)
	default:
		p.logger.WarnContext(
			ctx,
			"unknown command",
			"command_name", commandName,
		)
	}
}

func isTaskCommand(commandName string) bool {
	switch commandName {
	case DiscordSlashCommandQuack, DiscordSlashCommandDiceRoll:
		return false
	default:
		return true
	}
}

// startRuntimeConfigRefresher reloads the runtime config from the DB
// when signalled by the notifier
func (p *PuddlesBot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.triggerRuntimeConfigRefreshCh:
				p.refreshRuntimeConfig(ctx)
			}
		}
	}()
}

func (p *PuddlesBot) refreshRuntimeConfig(ctx context.Context) {
	runtimeConfig, err := getOrCreateRuntimeConfig(p.db.WithContext(ctx))
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error refreshing runtime config",
			tint.Err(err),
		)
		return
	}
	p.cfgMu.Lock()
	p.runtimeConfig = &runtimeConfig
	p.cfgMu.Unlock()
	p.paused.Store(runtimeConfig.Paused)
	p.logger.InfoContext(
		ctx,
		"refreshed runtime config",
		"runtime_config", runtimeConfig,
	)
}

// Pause stops the bot from processing task commands until [Resume] is
// called, persisting the state so it survives restarts.
func (p *PuddlesBot) Pause(ctx context.Context) bool {
	return p.setPaused(ctx, true)
}

// Resume reverses [Pause]
func (p *PuddlesBot) Resume(ctx context.Context) bool {
	return p.setPaused(ctx, false)
}

func (p *PuddlesBot) setPaused(ctx context.Context, paused bool) bool {
	previous := p.paused.Swap(paused)
	if previous == paused {
		return false
	}
	if _, err := p.writeDB.Update(
		ctx,
		&RuntimeConfig{ModelUintID: ModelUintID{ID: p.RuntimeConfig().ID}},
		columnRuntimeConfigPaused,
		paused,
	); err != nil {
		p.logger.ErrorContext(ctx, "error persisting pause state", tint.Err(err))
	}
	p.dbNotifier.ReloadRuntimeConfig(ctx)
	return true
}

// Stop signals a running bot to shut down
func (p *PuddlesBot) Stop(ctx context.Context) {
	p.dbNotifier.Stop(ctx)
}

func (p *PuddlesBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	p.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if p.eventShutdown != nil {
			go func() {
				p.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownCtx, cancel := context.WithTimeout(ctx, p.config.ShutdownTimeout)
	defer cancel()

	if p.discord != nil && p.discord.session != nil {
		for _, removeHandler := range p.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := p.discord.session.Close(); err != nil {
			p.logger.ErrorContext(
				ctx,
				"error closing discord session",
				tint.Err(err),
			)
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()

	var err error
	select {
	case <-done:
		p.logger.InfoContext(
			ctx,
			"finished handling in-flight work",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-shutdownCtx.Done():
		err = fmt.Errorf("shutdown timed out after %s", p.config.ShutdownTimeout)
		p.logger.ErrorContext(ctx, "shutdown timed out")
	}

	if p.api != nil && p.api.httpServer != nil {
		if apiErr := p.api.httpServer.Shutdown(shutdownCtx); apiErr != nil &&
			!errors.Is(apiErr, http.ErrServerClosed) {
			p.logger.ErrorContext(ctx, "error shutting down api", tint.Err(apiErr))
		}
	}

	return err
}

// handleRecover logs a recovered panic from an interaction handler so a
// bad payload can't take down the gateway loop
func (p *PuddlesBot) handleRecover(ctx context.Context, rc any) {
	if rc == nil {
		return
	}
	p.logger.ErrorContext(ctx, "recovered from panic", "panic", rc)
}
