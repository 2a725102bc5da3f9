package quotabot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

// doJSON sends body (if not nil) as JSON and decodes the response into
// out (if not nil), returning the status code.
func doJSON(
	t testing.TB,
	client *http.Client,
	method string,
	url string,
	body any,
	out any,
) int {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		data, readErr := io.ReadAll(resp.Body)
		require.NoError(t, readErr)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

// newLoggedInAPI starts a bot and returns an API server with a client
// already logged in as the admin.
func newLoggedInAPI(t *testing.T) (*QuotaBot, *httptest.Server, *http.Client) {
	t.Helper()
	bot, _, _ := newTestQuotaBot(t)
	require.NoError(t, SetAdminCredential(context.Background(), bot.writeDB, testAdminUsername, testAdminPassword))
	server, client := newTestAPIServer(t, bot)

	var loggedIn loggedInResponse
	status := doJSON(
		t, client, http.MethodPost, server.URL+apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		&loggedIn,
	)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, testAdminUsername, loggedIn.Username)
	return bot, server, client
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	require.NoError(t, SetAdminCredential(context.Background(), bot.writeDB, testAdminUsername, testAdminPassword))
	server, client := newTestAPIServer(t, bot)
	loggedInURL := server.URL + apiPrefix + apiPathLoggedIn

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, client, http.MethodGet, loggedInURL, nil, nil))

	var errResp httpError
	status := doJSON(
		t, client, http.MethodPost, server.URL+apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong password"},
		&errResp,
	)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errResp.Error)

	// the login limiter allows one attempt per second
	time.Sleep(1100 * time.Millisecond)
	status = doJSON(
		t, client, http.MethodPost, server.URL+apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	require.Equal(t, http.StatusOK, status)

	var loggedIn loggedInResponse
	assert.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, loggedInURL, nil, &loggedIn))
	assert.Equal(t, testAdminUsername, loggedIn.Username)

	assert.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, server.URL+apiPathLogout, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, client, http.MethodGet, loggedInURL, nil, nil))
}

func TestAPI_LoginRateLimited(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)
	login := userLogin{Username: testAdminUsername, Password: testAdminPassword}

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, client, http.MethodPost, server.URL+apiPathLogin, login, nil))
	assert.Equal(
		t,
		http.StatusTooManyRequests,
		doJSON(t, client, http.MethodPost, server.URL+apiPathLogin, login, nil),
	)
}

func TestAPI_LoginBadRequest(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)

	status := doJSON(
		t, client, http.MethodPost, server.URL+apiPathLogin,
		map[string]string{"username": testAdminUsername},
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RequiresLogin(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPathPolicies},
		{http.MethodPut, "/policies/ask"},
		{http.MethodDelete, "/policies/ask"},
		{http.MethodPost, apiPathReloadPolicies},
		{http.MethodPost, "/reset/subject/123"},
		{http.MethodPost, "/reset/category/ask"},
		{http.MethodPost, apiPathResetAll},
		{http.MethodGet, apiPathResetLogs},
		{http.MethodGet, "/usage/123"},
		{http.MethodGet, apiPathStats},
		{http.MethodPost, apiPathQuit},
	}
	for _, route := range routes {
		t.Run(
			route.method+" "+route.path, func(t *testing.T) {
				status := doJSON(t, client, route.method, server.URL+apiPrefix+route.path, nil, nil)
				assert.Equal(t, http.StatusUnauthorized, status)
			},
		)
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)

	var health healthCheckResponse
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, server.URL+apiHealthCheck, nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, QuotaStoreMemory, health.QuotaStore)
	assert.Equal(t, Version, health.Version)
}

func TestAPI_RequestID(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)

	requestID := uuid.NewString()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+apiHealthCheck, nil)
	require.NoError(t, err)
	req.Header.Set(xRequestIDHeader, requestID)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, requestID, resp.Header.Get(xRequestIDHeader))

	req.Header.Set(xRequestIDHeader, "not-a-uuid")
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NoError(t, uuid.Validate(resp.Header.Get(xRequestIDHeader)))
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get(xRequestIDHeader))
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestQuotaBot(t)
	server, client := newTestAPIServer(t, bot)

	_, err := bot.limiter.Check(context.Background(), subjectUser("1"), CategoryAsk)
	require.NoError(t, err)

	resp, err := client.Get(server.URL + apiPathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "quotabot_ratelimit_decisions_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_Policies(t *testing.T) {
	t.Parallel()
	bot, server, client := newLoggedInAPI(t)
	base := server.URL + apiPrefix

	var resp policiesResponse
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+apiPathPolicies, nil, &resp))
	assert.Equal(t, DefaultPolicies()[CategoryAsk], resp.Policies[CategoryAsk])
	assert.Empty(t, resp.Overrides)

	override := NewPolicy(7, 30*time.Second, time.Minute)
	var table PolicyTable
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPut, base+"/policies/ask", override, &table))
	assert.Equal(t, override, table[CategoryAsk])

	p, err := bot.policies.Resolve(CategoryAsk)
	require.NoError(t, err)
	assert.Equal(t, override, p, "the override is active as soon as the request returns")

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+apiPathPolicies, nil, &resp))
	require.Len(t, resp.Overrides, 1)
	assert.Equal(t, CategoryAsk, resp.Overrides[0].Category)
	assert.Equal(t, testAdminUsername, resp.Overrides[0].UpdatedBy)

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, base+apiPathReloadPolicies, nil, &table))
	assert.Equal(t, override, table[CategoryAsk], "reloading keeps database overrides")

	assert.Equal(t, http.StatusOK, doJSON(t, client, http.MethodDelete, base+"/policies/ask", nil, nil))
	p, err = bot.policies.Resolve(CategoryAsk)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicies()[CategoryAsk], p)

	var errResp httpError
	assert.Equal(t, http.StatusNotFound, doJSON(t, client, http.MethodDelete, base+"/policies/ask", nil, &errResp))
	assert.Contains(t, errResp.Error, "ask")
}

func TestAPI_SetPolicyInvalid(t *testing.T) {
	t.Parallel()
	bot, server, client := newLoggedInAPI(t)
	base := server.URL + apiPrefix

	tests := []struct {
		name string
		body any
	}{
		{name: "zero requests", body: map[string]any{"requests": 0, "window": "1m"}},
		{name: "no window", body: map[string]any{"requests": 5}},
		{name: "negative cooldown", body: map[string]any{"requests": 5, "window": "1m", "cooldown": "-5s"}},
		{name: "bad duration", body: map[string]any{"requests": 5, "window": "soon"}},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				status := doJSON(t, client, http.MethodPut, base+"/policies/ask", tc.body, nil)
				assert.Equal(t, http.StatusBadRequest, status)
			},
		)
	}

	p, err := bot.policies.Resolve(CategoryAsk)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicies()[CategoryAsk], p)
}

func TestAPI_Resets(t *testing.T) {
	t.Parallel()
	bot, server, client := newLoggedInAPI(t)
	ctx := context.Background()
	base := server.URL + apiPrefix
	limiter := bot.Limiter()

	checkN := func(subject, category string, n int) {
		for range n {
			_, err := limiter.Check(ctx, subject, category)
			require.NoError(t, err)
		}
	}
	used := func(subject, category string) int {
		usage, err := limiter.Peek(ctx, subject, category)
		require.NoError(t, err)
		return usage.Used
	}

	checkN(subjectUser("1"), CategoryAsk, 2)
	checkN(subjectUser("2"), CategoryAsk, 1)
	checkN(subjectUser("2"), CategorySummarize, 1)

	var reply httpReply
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, base+"/reset/subject/1", nil, &reply))
	assert.Equal(t, "reset user:1", reply.Message)
	assert.Zero(t, used(subjectUser("1"), CategoryAsk))
	assert.Equal(t, 1, used(subjectUser("2"), CategoryAsk))

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, base+"/reset/category/ask", nil, nil))
	assert.Zero(t, used(subjectUser("2"), CategoryAsk))
	assert.Equal(t, 1, used(subjectUser("2"), CategorySummarize))

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, base+apiPathResetAll, nil, nil))
	assert.Zero(t, used(subjectUser("2"), CategorySummarize))

	var logs []ResetLog
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+apiPathResetLogs, nil, &logs))
	require.Len(t, logs, 3)
	assert.Equal(t, ResetScopeAll, logs[0].Scope)
	assert.Equal(t, ResetScopeCategory, logs[1].Scope)
	assert.Equal(t, ResetScopeSubject, logs[2].Scope)
	for _, l := range logs {
		assert.Equal(t, testAdminUsername, l.Actor)
		assert.Equal(t, ResetSourceAPI, l.Source)
	}

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+apiPathResetLogs+"?limit=2", nil, &logs))
	assert.Len(t, logs, 2)

	for _, limit := range []string{"0", "-1", "abc", fmt.Sprint(maxResetLogsLimit + 1)} {
		status := doJSON(t, client, http.MethodGet, base+apiPathResetLogs+"?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, status, limit)
	}
}

func TestAPI_Usage(t *testing.T) {
	t.Parallel()
	bot, server, client := newLoggedInAPI(t)
	ctx := context.Background()
	base := server.URL + apiPrefix

	_, err := bot.Limiter().Check(ctx, subjectUser("1"), CategoryAsk)
	require.NoError(t, err)

	var usage []Usage
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+"/usage/1?category=ask", nil, &usage))
	require.Len(t, usage, 1)
	assert.Equal(t, CategoryAsk, usage[0].Category)
	assert.Equal(t, 1, usage[0].Used)
	assert.Equal(t, DefaultPolicies()[CategoryAsk].MaxRequests-1, usage[0].Remaining)

	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, base+"/usage/user:1", nil, &usage))
	assert.Len(t, usage, len(bot.policies.Table()), "every category is reported by default")

	after, err := bot.Limiter().Peek(ctx, subjectUser("1"), CategoryAsk)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Used, "reading usage doesn't record a request")
}

func TestAPI_Stats(t *testing.T) {
	t.Parallel()
	bot, server, client := newLoggedInAPI(t)
	ctx := context.Background()

	for _, cl := range []CommandLog{
		{Command: DiscordSlashCommandAsk, UserID: "1", Allowed: true},
		{Command: DiscordSlashCommandAsk, UserID: "1", DeniedCategory: CategoryAsk},
	} {
		_, err := bot.writeDB.Create(ctx, &cl)
		require.NoError(t, err)
	}

	var stats UsageStats
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodGet, server.URL+apiPrefix+apiPathStats, nil, &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.RateLimited)
}

func TestGinReplyAPIError(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "invalid argument",
			err:    invalidArgument("subject ID must not be empty"),
			status: http.StatusBadRequest,
		},
		{
			name:   "config error",
			err:    &ConfigError{Category: "nope"},
			status: http.StatusNotFound,
		},
		{
			name:   "storage error",
			err:    &StorageError{Op: storeOpReset, Err: errors.New("disk on fire")},
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "other",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				w := httptest.NewRecorder()
				c, _ := gin.CreateTestContext(w)
				ginReplyAPIError(c, tc.err)
				assert.Equal(t, tc.status, w.Code)

				var resp httpError
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.NotEmpty(t, resp.Error)
				assert.NotContains(t, resp.Error, "disk on fire")
			},
		)
	}
}
