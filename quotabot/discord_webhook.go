package quotabot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	webhookPathInteractions = "/interactions"

	// Discord drops the interaction if the initial response takes
	// longer than this
	webhookResponseTimeout = 3 * time.Second

	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"
)

var errAlreadyResponded = errors.New("interaction already responded to")

// DiscordWebhookServer receives interactions over HTTP instead of the
// gateway. Requests must be signed with the application's key.
type DiscordWebhookServer struct {
	config     *DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	publicKey  ed25519.PublicKey
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting webhook server without TLS", "addr", d.config.Listen)
		return d.httpServer.ListenAndServe()
	}
	d.logger.InfoContext(ctx, "serving discord webhook", "addr", d.config.Listen)
	return d.httpServer.ListenAndServeTLS("", "")
}

// newWebhookServer creates a [DiscordWebhookServer]. Interactions posted
// to it are passed to q.webhookInteractionHandler, which Run sets.
func newWebhookServer(
	q *QuotaBot,
	config *DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	publicKey, err := parsePublicKey(config.PublicKey)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	ws := &DiscordWebhookServer{
		config:    config,
		engine:    r,
		publicKey: publicKey,
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_webhook"),
	}

	ws.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		ws.httpServer.TLSConfig = tlsCfg
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(ws.logger),
		discordRequestAuthenticationMiddleware(publicKey),
	)
	r.POST(
		webhookPathInteractions,
		func(c *gin.Context) {
			q.webhookInteractionHandler(c)
		},
	)
	return ws, nil
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid discord public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf(
			"invalid discord public key: expected %d bytes, got %d",
			ed25519.PublicKeySize,
			len(key),
		)
	}
	return key, nil
}

// WebhookHandler is an InteractionHandler for interactions received via
// webhook. The initial response is written to the HTTP response, so
// only the first Respond call succeeds. Edits go through the wrapped
// handler.
// See: https://discord.com/developers/docs/interactions/receiving-and-responding#responding-to-an-interaction
//
//nolint:lll // can't split link
type WebhookHandler struct {
	InteractionHandler

	responses chan *discordgo.InteractionResponse
	responded *atomic.Bool
}

func newWebhookHandler(h InteractionHandler) WebhookHandler {
	return WebhookHandler{
		InteractionHandler: h,
		responses:          make(chan *discordgo.InteractionResponse, 1),
		responded:          &atomic.Bool{},
	}
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	if !w.responded.CompareAndSwap(false, true) {
		return errAlreadyResponded
	}
	w.responses <- response
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] which runs posted
// interactions on the runtime context ctx, replying with the first
// response the command sends.
func webhookReceiveHandler(
	ctx context.Context,
	q *QuotaBot,
	runtimeWG *sync.WaitGroup,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error reading body", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil || interaction.Interaction == nil {
			logger.WarnContext(c, "error unmarshalling interaction", tint.Err(e))
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid interaction"})
			return
		}
		i := &interaction

		if i.Type == discordgo.InteractionPing {
			logger.DebugContext(c, "ping")
			c.JSON(http.StatusOK, discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
			return
		}

		handler := newWebhookHandler(q.getInteractionHandlerFunc(ctx, i))
		done := make(chan struct{})
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer close(done)
			q.handleInteraction(ctx, handler)
		}()

		timer := time.NewTimer(webhookResponseTimeout)
		defer timer.Stop()

		select {
		case resp := <-handler.responses:
			c.JSON(http.StatusOK, resp)
		case <-done:
			select {
			case resp := <-handler.responses:
				c.JSON(http.StatusOK, resp)
			default:
				c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "unhandled interaction"})
			}
		case <-timer.C:
			logger.WarnContext(c, "timed out waiting for interaction response")
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, httpError{Error: "timed out"})
		}
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a
// valid Discord signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's signature, which covers the
// timestamp header followed by the body. The body is left readable.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get(headerSignature)
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get(headerTimestamp)
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
