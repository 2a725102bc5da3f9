package quotabot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiPathLogin             = "/login"
	apiPathLogout            = "/logout"
	apiHealthCheck           = "/healthz"
	apiPathMetrics           = "/metrics"
	apiPathLoggedIn          = "/logged_in"
	apiPathPolicies          = "/policies"
	apiPathPolicy            = "/policies/:category"
	apiPathReloadPolicies    = "/policies/reload"
	apiPathResetSubject      = "/reset/subject/:subject"
	apiPathResetCategory     = "/reset/category/:category"
	apiPathResetAll          = "/reset/all"
	apiPathResetLogs         = "/reset_logs"
	apiPathUsage             = "/usage/:subject"
	apiPathStats             = "/stats"
	apiPathQuit              = "/quit"
	apiPathRegisterCommands  = "/discord/register_commands"
	defaultResetLogsLimit    = 50
	maxResetLogsLimit        = 500
	botQuitTimeout           = 30 * time.Second
	loginRequestsPerSecond   = 1
	apiRequestIDHeaderLength = 36
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
	ginContextUser   = "api_user"
)

// API is the admin HTTP server. It exposes policy management, quota
// resets and usage inspection for logged-in admins, plus health and
// metrics endpoints.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes.
// The returned API doesn't listen until Serve is called.
func newAPI(q *QuotaBot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(loginRequestsPerSecond), 1),
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(q, api)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(q.metrics.Handler()))

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)

	protected.GET(apiPathPolicies, apiHandlers.getPolicies)
	protected.POST(apiPathReloadPolicies, apiHandlers.reloadPolicies)
	protected.PUT(apiPathPolicy, apiHandlers.setPolicy)
	protected.DELETE(apiPathPolicy, apiHandlers.deletePolicy)

	protected.POST(apiPathResetSubject, apiHandlers.resetSubject)
	protected.POST(apiPathResetCategory, apiHandlers.resetCategory)
	protected.POST(apiPathResetAll, apiHandlers.resetAll)
	protected.GET(apiPathResetLogs, apiHandlers.getResetLogs)

	protected.GET(apiPathUsage, apiHandlers.getUsage)
	protected.GET(apiPathStats, apiHandlers.getStats)

	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down. TLS is used when a cert and key are configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField].(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the handlers for the admin API.
type APIHandlers struct {
	q      *QuotaBot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store for the API. Without a
// configured secret, a random key is used and sessions don't survive a
// restart.
func NewAPIHandlers(q *QuotaBot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{q: q, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteLaxMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   !a.config.Development,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler authenticates an admin and starts a session.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: bad credentials, or none have been set
//   - 429 Too Many Requests: login attempts are rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	err := authenticateAdmin(c.Request.Context(), h.q.writeDB, login.Username, login.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			logger.Warn("invalid login attempt", "username", login.Username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Error("error verifying credentials", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := h.api.sessionOptions()
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("admin logged in", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Status:                  "ok",
		Version:                 Version,
		DiscordGatewayConnected: h.q.discord.connected.Load(),
		QuotaStore:              h.q.config.Quota.Store,
	}
	if !h.q.startedAt.IsZero() {
		resp.Uptime = time.Since(h.q.startedAt).Round(time.Second).String()
	}
	if h.q.limiter == nil {
		resp.Status = "starting"
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	c.JSON(http.StatusOK, loggedInResponse{Username: c.GetString(ginContextUser)})
}

// getPolicies returns the active policy table and any database overrides.
func (h *APIHandlers) getPolicies(c *gin.Context) {
	overrides, err := ListPolicyOverrides(c.Request.Context(), h.q.writeDB)
	if err != nil {
		ginContextLogger(c).Error("error listing policy overrides", tint.Err(err))
		ginReplyError(c, "error listing policy overrides")
		return
	}
	c.JSON(
		http.StatusOK, policiesResponse{
			Policies:  h.q.policies.Table(),
			Overrides: overrides,
		},
	)
}

// setPolicy stores an override for a category and reloads policies.
//
// Responses:
//   - 200 OK: the override was saved and is now active
//   - 400 Bad Request: invalid policy
func (h *APIHandlers) setPolicy(c *gin.Context) {
	logger := ginContextLogger(c)
	category := c.Param("category")

	var policy Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := policy.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	err := h.q.SetPolicyOverride(c.Request.Context(), category, policy, c.GetString(ginContextUser))
	if err != nil {
		logger.Error("error setting policy override", "category", category, tint.Err(err))
		ginReplyAPIError(c, err)
		return
	}
	logger.Info("policy override set", "category", category, "policy", policy)
	c.JSON(http.StatusOK, h.q.policies.Table())
}

func (h *APIHandlers) deletePolicy(c *gin.Context) {
	category := c.Param("category")
	deleted, err := h.q.DeletePolicyOverride(c.Request.Context(), category)
	if err != nil {
		ginContextLogger(c).Error("error deleting policy override", tint.Err(err))
		ginReplyAPIError(c, err)
		return
	}
	if !deleted {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: fmt.Sprintf("no override for %q", category)},
		)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("override for %q removed", category))
}

func (h *APIHandlers) reloadPolicies(c *gin.Context) {
	if err := h.q.reloadPolicies(c.Request.Context()); err != nil {
		ginContextLogger(c).Error("error reloading policies", tint.Err(err))
		ginReplyAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.q.policies.Table())
}

func (h *APIHandlers) resetRequest(c *gin.Context) ResetRequest {
	return ResetRequest{Actor: c.GetString(ginContextUser), Source: ResetSourceAPI}
}

func (h *APIHandlers) resetSubject(c *gin.Context) {
	subject := SubjectFromInput(c.Param("subject"))
	if err := h.q.adminReset.ResetSubject(c.Request.Context(), h.resetRequest(c), subject); err != nil {
		ginReplyAPIError(c, err)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("reset %s", subject))
}

func (h *APIHandlers) resetCategory(c *gin.Context) {
	category := c.Param("category")
	if err := h.q.adminReset.ResetCategory(c.Request.Context(), h.resetRequest(c), category); err != nil {
		ginReplyAPIError(c, err)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("reset %s", category))
}

func (h *APIHandlers) resetAll(c *gin.Context) {
	if err := h.q.adminReset.ResetAll(c.Request.Context(), h.resetRequest(c)); err != nil {
		ginReplyAPIError(c, err)
		return
	}
	ginReplyMessage(c, "reset all quotas")
}

// getResetLogs returns the most recent resets, newest first. The
// number of entries is set with the `limit` query parameter.
func (h *APIHandlers) getResetLogs(c *gin.Context) {
	limit := defaultResetLogsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxResetLogsLimit {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("limit must be between 1 and %d", maxResetLogsLimit)},
			)
			return
		}
		limit = n
	}
	logs, err := h.q.adminReset.ResetLogs(c.Request.Context(), limit)
	if err != nil {
		ginReplyAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// getUsage reports a subject's usage without recording a request.
// `category` may be given to limit the result to one category,
// otherwise every configured category is reported.
func (h *APIHandlers) getUsage(c *gin.Context) {
	subject := SubjectFromInput(c.Param("subject"))
	categories := c.QueryArray("category")
	if len(categories) == 0 {
		categories = h.q.policies.Table().Categories()
	}
	usage, err := h.q.limiter.PeekAll(c.Request.Context(), subject, categories)
	if err != nil {
		ginReplyAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (h *APIHandlers) getStats(c *gin.Context) {
	stats, err := GetUsageStats(c.Request.Context(), h.q.writeDB)
	if err != nil {
		ginContextLogger(c).Error("error getting usage stats", tint.Err(err))
		ginReplyError(c, "error getting usage stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// botQuit tells every running instance to shut down.
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), botQuitTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.q.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.q.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// authMiddleware aborts requests without a logged-in admin session.
// The admin's username is set on the gin context.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		username, err := a.getSessionUsername(c)
		if err != nil {
			ginContextLogger(c).Debug("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(ginContextUser, username)
		c.Next()
	}
}

// requestIDMiddleware assigns an ID to each request, reusing a valid
// incoming X-Request-ID if there is one, and echoes it in the response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if len(id) != apiRequestIDHeaderLength || uuid.Validate(id) != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with the
// request's details attached) the first time it's called.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
	return requestLogger
}

// ginLoggingMiddleware logs each request once it completes.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
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

// ginReplyMessage sends a JSON response with a message, with HTTP status
// code 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a JSON error and HTTP status code 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// ginReplyAPIError aborts with a status matching err's kind. Storage
// failures are reported as 503 so callers know to retry.
func ginReplyAPIError(c *gin.Context, err error) {
	var configErr *ConfigError
	var storageErr *StorageError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case errors.As(err, &configErr):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.As(err, &storageErr):
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "quota store unavailable"})
	default:
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
	}
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Status                  string `json:"status"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
	QuotaStore              string `json:"quota_store"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
}

type policiesResponse struct {
	Policies  PolicyTable      `json:"policies"`
	Overrides []PolicyOverride `json:"overrides"`
}
