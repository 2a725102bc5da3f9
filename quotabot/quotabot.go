package quotabot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/quotabot/quotabot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	shutdownAnnouncementInterval = 10 * time.Second
)

// QuotaBot is a Discord bot whose commands are metered by a RateLimiter.
// It owns the limiter and its storage, the policy layers, the Discord
// session, the admin API and the database.
type QuotaBot struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	openai  *OpenAI
	api     *API
	webhook *DiscordWebhookServer
	metrics *Metrics

	store        QuotaStore
	policies     *PolicyRegistry
	policyLoader *PolicyLoader
	limiter      *RateLimiter
	gate         *CommandGate
	adminReset   *AdminReset
	clock        Clock

	dbNotifier DBNotifier

	// getInteractionHandlerFunc builds the InteractionHandler for an
	// incoming interaction. Tests replace it to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// webhookInteractionHandler handles interactions posted to the
	// webhook server
	webhookInteractionHandler gin.HandlerFunc

	signalStop            chan struct{}
	signalReady           chan struct{}
	eventShutdown         chan struct{}
	triggerPolicyReloadCh chan struct{}

	runMu     sync.Mutex
	startedAt time.Time
}

// New builds a QuotaBot from config. Storage and policies are set up
// by Run.
func New(config *Config) (*QuotaBot, error) {
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

	q := &QuotaBot{
		config:                config,
		clock:                 SystemClock(),
		metrics:               NewMetrics(),
		signalStop:            make(chan struct{}, 1),
		signalReady:           make(chan struct{}, 1),
		eventShutdown:         make(chan struct{}, 1),
		triggerPolicyReloadCh: make(chan struct{}, 1),
	}

	q.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     q.config.LogLevel,
			AddSource: true,
		},
	)
	q.logger = slog.New(q.logHandler)
	slog.SetDefault(q.logger)

	policies, err := NewPolicyRegistry(DefaultPolicies())
	errs = append(errs, err)
	q.policies = policies

	q.openai = newOpenAI(q.config.OpenAI, q.config.HTTPClient)

	q.config.Discord.httpClient = q.config.HTTPClient
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     q.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)
	q.discord = newDiscord(
		q.config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     q.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord"),
	)

	api, err := newAPI(q, config.API)
	errs = append(errs, err)
	q.api = api

	if config.Discord.WebhookServer.Enabled {
		webhook, webhookErr := newWebhookServer(q, config.Discord.WebhookServer)
		errs = append(errs, webhookErr)
		q.webhook = webhook
	}

	return q, errors.Join(errs...)
}

func (q *QuotaBot) ValidateConfig() error {
	return ValidateConfig(q.config)
}

// Limiter returns the bot's RateLimiter. It's nil until Run has
// initialized storage.
func (q *QuotaBot) Limiter() *RateLimiter {
	return q.limiter
}

func (q *QuotaBot) Metrics() *Metrics {
	return q.metrics
}

// RegisterSlashCommands overwrites the bot's slash commands in Discord.
func (q *QuotaBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return q.discord.registerCommands(options...)
}

// Run opens storage, loads policies, connects to Discord and serves the
// admin API, blocking until ctx is canceled or a stop is requested.
func (q *QuotaBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	q.runMu.Lock()
	defer q.runMu.Unlock()

	q.startedAt = time.Now()
	logger := q.logger

	if err := q.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(q)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	q.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", q.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.signalStop:
			q.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, q.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- q.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if q.config.API.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := q.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				q.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err = q.initDiscordSession(ctx, runtimeWG); err != nil {
		q.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if q.webhook != nil {
		q.webhookInteractionHandler = webhookReceiveHandler(ctx, q, runtimeWG)
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := q.webhook.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				q.logger.ErrorContext(ctx, "error serving discord webhook", tint.Err(httpErr))
			}
		}()
	}
	q.logger.InfoContext(ctx, "connecting to discord")
	if err = q.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	q.startBackgroundWorkers(ctx, runtimeWG)

	select {
	case q.signalReady <- struct{}{}:
	default:
	}
	q.logger.InfoContext(ctx, "ready")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return q.shutdown(ctx, runtimeWG)
}

// startBackgroundWorkers starts compaction, policy reload handling and
// the database listeners.
func (q *QuotaBot) startBackgroundWorkers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		q.limiter.RunCompaction(ctx, q.config.Quota.CompactionInterval)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		q.watchPolicyReloads(ctx)
	}()

	if q.config.Quota.WatchPolicyFile {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := q.policyLoader.Watch(ctx); e != nil {
				q.logger.ErrorContext(ctx, "error watching policy file", tint.Err(e))
			}
		}()
	}

	for _, channel := range []string{
		q.dbNotifier.PolicyChannelName(),
		q.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := q.dbNotifier.Listen(ctx, channel); e != nil {
				q.logger.ErrorContext(
					ctx,
					"error listening for notifications",
					"channel", channel,
					tint.Err(e),
				)
			}
		}()
	}
}

// watchPolicyReloads reloads policies when another instance reports that
// they changed.
func (q *QuotaBot) watchPolicyReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.triggerPolicyReloadCh:
			_ = q.policyLoader.Reload(ctx)
		}
	}
}

// SetPolicyOverride stores policy as the override for category, reloads
// the active table and tells other instances to do the same.
func (q *QuotaBot) SetPolicyOverride(
	ctx context.Context,
	category string,
	policy Policy,
	updatedBy string,
) error {
	if _, err := SavePolicyOverride(ctx, q.writeDB, category, policy, updatedBy); err != nil {
		return err
	}
	return q.reloadPolicies(ctx)
}

// DeletePolicyOverride removes the override for category, reporting
// whether there was one, and reloads policies.
func (q *QuotaBot) DeletePolicyOverride(ctx context.Context, category string) (bool, error) {
	deleted, err := DeletePolicyOverride(ctx, q.writeDB, category)
	if err != nil || !deleted {
		return deleted, err
	}
	return true, q.reloadPolicies(ctx)
}

func (q *QuotaBot) reloadPolicies(ctx context.Context) error {
	if err := q.policyLoader.Reload(ctx); err != nil {
		return err
	}
	if q.dbNotifier != nil {
		q.dbNotifier.ReloadPolicies(ctx)
	}
	return nil
}

// initRun opens the database, creates the quota store and limiter, and
// loads policies. startCtx bounds initialization, ctx is the runtime
// context.
func (q *QuotaBot) initRun(startCtx context.Context, ctx context.Context) error {
	q.logger.Debug("initializing DB...")
	if err := q.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	store, err := NewQuotaStore(startCtx, q.config.Quota, q.writeDB)
	if err != nil {
		return fmt.Errorf("error creating quota store: %w", err)
	}
	q.store = store
	q.logger.InfoContext(ctx, "quota store ready", "store", q.config.Quota.Store)

	q.limiter = NewRateLimiter(
		store,
		q.policies,
		WithClock(q.clock),
		WithStoreTimeout(q.config.Quota.StoreTimeout),
		WithLimiterLogger(q.logger),
		WithMetrics(q.metrics),
	)
	q.gate = NewCommandGate(q.limiter)
	q.adminReset = NewAdminReset(q.limiter, q.writeDB, q.logger, q.metrics)

	q.policyLoader = NewPolicyLoader(
		q.policies,
		q.config.Quota.PolicyFile,
		q.writeDB,
		q.logger,
		q.metrics,
	)
	if err = q.policyLoader.Reload(startCtx); err != nil {
		return fmt.Errorf("error loading policies: %w", err)
	}

	set, err := AdminCredentialsSet(startCtx, q.writeDB)
	if err != nil {
		return fmt.Errorf("error checking admin credentials: %w", err)
	}
	if !set && q.config.API.Enabled {
		q.logger.WarnContext(ctx, "no admin credentials set, run `quotabot init` to enable API login")
	}
	return nil
}

func (q *QuotaBot) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     q.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, q.config.DatabaseSlowThreshold)
	db, err := getDB(q.config.DatabaseType, q.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	q.db = db
	q.writeDB = NewDatabase(db, q.logger, q.config.DatabaseType == dbTypePostgres)

	q.logger.Debug("migrating database...")
	return migrate(ctx, db)
}

func (q *QuotaBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if q.discord.session == nil {
		session, err := q.discord.newSession()
		if err != nil {
			return err
		}
		q.discord.session = session
	}

	for _, remove := range q.discord.removeHandlerFuncs {
		remove()
	}

	q.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: q.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	if q.getInteractionHandlerFunc == nil {
		q.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     q.discord.session,
				interaction: i,
				logger:      interactionLogger(q.discord.logger, i),
			}
		}
	}

	q.discord.removeHandlerFuncs = []func(){
		q.discord.session.AddHandler(q.discord.handlerConnect()),
		q.discord.session.AddHandler(q.discord.handlerDisconnect()),
		q.discord.session.AddHandler(q.discord.handlerReady()),
		q.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := q.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					q.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// shutdown waits for in-flight work to finish, then closes the API
// server, the Discord session and the quota store. If that takes longer
// than the configured shutdown timeout, servers are closed immediately.
func (q *QuotaBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	q.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case q.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(q.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		if q.api != nil && q.api.httpServer != nil {
			q.logger.InfoContext(ctx, "stopping http server")
			_ = q.api.httpServer.Shutdown(closeCtx)
		}
		if q.webhook != nil {
			q.logger.InfoContext(ctx, "stopping webhook server")
			_ = q.webhook.httpServer.Shutdown(closeCtx)
		}
		if q.discord.session != nil {
			q.logger.InfoContext(ctx, "closing discord session")
			_ = q.discord.session.Close()
			for _, remove := range q.discord.removeHandlerFuncs {
				remove()
			}
			q.discord.removeHandlerFuncs = nil
		}

		runtimeWG.Wait()
		q.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if q.store != nil {
			if err := q.store.Close(); err != nil {
				q.logger.ErrorContext(ctx, "error closing quota store", tint.Err(err))
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			q.logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
			return nil
		case <-announcementTicker.C:
			q.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			q.logger.Warn("in-flight requests did not finish in time, forcing close")
			if q.api != nil && q.api.httpServer != nil {
				_ = q.api.httpServer.Close()
			}
			if q.webhook != nil {
				_ = q.webhook.httpServer.Close()
			}
			return errors.New("shutdown timed out")
		}
	}
}
