package quotabot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestWebhookServer serves a webhook server for bot over httptest,
// returning the key requests must be signed with.
func newTestWebhookServer(t *testing.T, bot *QuotaBot) (*httptest.Server, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cfg := *bot.config.Discord.WebhookServer
	cfg.Enabled = true
	cfg.PublicKey = hex.EncodeToString(pub)

	ws, err := newWebhookServer(bot, &cfg)
	require.NoError(t, err)

	wg := &sync.WaitGroup{}
	t.Cleanup(wg.Wait)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bot.webhookInteractionHandler = webhookReceiveHandler(ctx, bot, wg)

	server := httptest.NewServer(ws.engine)
	t.Cleanup(server.Close)
	return server, priv
}

func signedRequest(
	t *testing.T,
	url string,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(
		headerSignature,
		hex.EncodeToString(ed25519.Sign(key, append([]byte(timestamp), body...))),
	)
	return req
}

func postInteraction(
	t *testing.T,
	server *httptest.Server,
	key ed25519.PrivateKey,
	body []byte,
) (int, discordgo.InteractionResponse) {
	t.Helper()
	resp, err := server.Client().Do(
		signedRequest(t, server.URL+webhookPathInteractions, key, body),
	)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	var ir discordgo.InteractionResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ir))
	}
	return resp.StatusCode, ir
}

func TestWebhook_Ping(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, key := newTestWebhookServer(t, bot)

	status, resp := postInteraction(
		t, server, key,
		[]byte(`{"id":"1","application_id":"test-app","type":1,"token":"abc"}`),
	)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestWebhook_Ask(t *testing.T) {
	t.Parallel()
	bot, _, mockClient := newTestQuotaBot(t)
	server, key := newTestWebhookServer(t, bot)
	mockClient.On("CreateChatCompletion", mock.Anything, promptRequest("hello", "1")).
		Return(chatCompletionResponse("hi"), nil).
		Once()

	handlers := make(chan *stubInteractionHandler, 1)
	bot.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		h := newStubInteractionHandler(t, bot, i)
		handlers <- h
		return h
	}

	i := testInteraction{userID: "1", guildID: "g1"}.commandInteraction(
		DiscordSlashCommandAsk,
		stringOption(commandOptionPrompt, "hello"),
	)
	body, err := json.Marshal(i.Interaction)
	require.NoError(t, err)

	status, resp := postInteraction(t, server, key, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)

	var handler *stubInteractionHandler
	select {
	case handler = <-handlers:
	case <-time.After(5 * time.Second):
		t.Fatal("interaction handler was never created")
	}
	edit := handler.nextEdit(t)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "hi", *edit.Content)
	assert.Empty(t, handler.callRespond, "the initial response goes to the HTTP reply")

	usage, err := bot.Limiter().Peek(context.Background(), subjectUser("1"), CategoryAsk)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Used)
}

func TestWebhook_UnhandledInteraction(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, key := newTestWebhookServer(t, bot)

	status, _ := postInteraction(
		t, server, key,
		[]byte(`{"id":"1","type":3,"token":"abc","user":{"id":"1"},"data":{"custom_id":"x","component_type":2}}`),
	)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhook_InvalidBody(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, key := newTestWebhookServer(t, bot)

	status, _ := postInteraction(t, server, key, []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, _ := newTestWebhookServer(t, bot)

	_, otherKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	status, _ := postInteraction(t, server, otherKey, []byte(`{"id":"1","type":1}`))
	assert.Equal(t, http.StatusUnauthorized, status)

	resp, err := server.Client().Post(
		server.URL+webhookPathInteractions,
		"application/json",
		bytes.NewReader([]byte(`{"id":"1","type":1}`)),
	)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	body := []byte(`{"type":1}`)

	tests := []struct {
		name   string
		modify func(r *http.Request)
		want   bool
	}{
		{name: "valid", modify: func(*http.Request) {}, want: true},
		{
			name:   "missing signature",
			modify: func(r *http.Request) { r.Header.Del(headerSignature) },
		},
		{
			name:   "missing timestamp",
			modify: func(r *http.Request) { r.Header.Del(headerTimestamp) },
		},
		{
			name:   "signature not hex",
			modify: func(r *http.Request) { r.Header.Set(headerSignature, "zz") },
		},
		{
			name:   "short signature",
			modify: func(r *http.Request) { r.Header.Set(headerSignature, "abcd") },
		},
		{
			name: "different timestamp",
			modify: func(r *http.Request) {
				r.Header.Set(headerTimestamp, "1")
			},
		},
		{
			name: "tampered body",
			modify: func(r *http.Request) {
				r.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				req := signedRequest(t, "http://localhost/interactions", priv, body)
				tc.modify(req)
				assert.Equal(t, tc.want, verifyRequest(req, pub))

				read, readErr := io.ReadAll(req.Body)
				require.NoError(t, readErr)
				if tc.want {
					assert.Equal(t, body, read, "body is readable after verifying")
				}
			},
		)
	}
}

func TestWebhookHandler_RespondOnce(t *testing.T) {
	t.Parallel()
	h := newWebhookHandler(nil)
	ctx := context.Background()

	require.NoError(t, h.Respond(ctx, deferredResponse(0)))
	assert.ErrorIs(t, h.Respond(ctx, ephemeralResponse("again")), errAlreadyResponded)

	resp := <-h.responses
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
}

func TestParsePublicKey(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key, err := parsePublicKey(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, key)

	_, err = parsePublicKey("not hex")
	assert.Error(t, err)
	_, err = parsePublicKey("abcd")
	assert.Error(t, err)
}
