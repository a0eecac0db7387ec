package puddlesbot

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "quack-quack-quack"
)

// newTestAPIBot assembles a bot with the dashboard API wired up, admin
// credentials seeded in the runtime config, and a stub discord session.
func newTestAPIBot(t testing.TB) *PuddlesBot {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupTestDB(t)
	cfg := DefaultConfig()
	stub := newStubSession()
	disc := &Discord{
		config:  cfg.Discord,
		session: stub,
		logger:  slog.Default(),
	}
	p := &PuddlesBot{
		config:                        cfg,
		db:                            db,
		writeDB:                       NewDatabase(db, slog.Default(), false),
		logger:                        slog.Default(),
		discord:                       disc,
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}
	disc.bot = p

	runtimeConfig, err := getOrCreateRuntimeConfig(db)
	require.NoError(t, err)
	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	runtimeConfig.AdminUsername = testAdminUsername
	runtimeConfig.AdminPassword = hashed
	require.NoError(t, db.Save(&runtimeConfig).Error)
	p.runtimeConfig = &runtimeConfig

	p.dbNotifier = &sqliteNotifier{
		logger:         slog.Default(),
		p:              p,
		sqliteNotifyID: "test-notifier",
	}

	api, err := newAPI(p, cfg.API)
	require.NoError(t, err)
	p.api = api
	return p
}

func apiRequest(
	t testing.TB,
	p *PuddlesBot,
	method string,
	path string,
	body any,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	p.api.engine.ServeHTTP(w, req)
	return w
}

// loginTestAdmin logs in with the seeded credentials and returns the
// session cookies
func loginTestAdmin(t testing.TB, p *PuddlesBot) []*http.Cookie {
	t.Helper()
	w := apiRequest(
		t,
		p,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPILogin(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)

	cookies := loginTestAdmin(t, p)

	w := apiRequest(
		t,
		p,
		http.MethodGet,
		apiPrefix+apiPathLoggedIn,
		nil,
		cookies,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var reply loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, testAdminUsername, reply.Username)
}

func TestAPILoginBadPassword(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)

	w := apiRequest(
		t,
		p,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong"},
		nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIUnauthenticated(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)

	w := apiRequest(
		t,
		p,
		http.MethodGet,
		apiPrefix+apiPathConfig,
		nil,
		nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIHealthCheck(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)

	w := apiRequest(t, p, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.Paused)
	assert.False(t, health.DiscordGatewayConnected)
}

func TestAPIUpdateRuntimeConfig(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)
	cookies := loginTestAdmin(t, p)

	paused := true
	w := apiRequest(
		t,
		p,
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		RuntimeConfigUpdate{Paused: &paused},
		cookies,
	)
	require.Equal(t, http.StatusAccepted, w.Code)

	var reply RuntimeConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.True(t, reply.Paused)
	assert.True(t, p.paused.Load())

	// the change is persisted and other instances get notified
	stored, err := getOrCreateRuntimeConfig(p.db)
	require.NoError(t, err)
	assert.True(t, stored.Paused)
	assert.True(t, stored.RemindersEnabled)

	select {
	case <-p.triggerRuntimeConfigRefreshCh:
	default:
		t.Fatal("expected a runtime config refresh signal")
	}
}

func TestAPITasks(t *testing.T) {
	t.Parallel()
	p := newTestAPIBot(t)
	p.lifecycle = NewTaskLifecycle(p.writeDB, slog.Default(), nil)

	admin := Actor{UserID: "admin-1", GuildID: "guild-1", Admin: true}
	task := createTestTask(t, p.lifecycle, admin, "user-1")

	cookies := loginTestAdmin(t, p)
	w := apiRequest(
		t,
		p,
		http.MethodGet,
		apiPrefix+apiPathTasks+"?guild_id=guild-1",
		nil,
		cookies,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var tasks []Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, TaskStatusOpen, tasks[0].Status)
}
