// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/auth"
	"github.com/fleetgate/fleetgate/internal/broker"
	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/mapservice"
	"github.com/fleetgate/fleetgate/internal/models"
	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/internal/websocket"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeManager is a scriptable SessionManager.
type fakeManager struct {
	mu          sync.Mutex
	validateErr error
	ensureErr   error
	publishErr  error
	ensured     []models.TenantConfig
	published   []string
	tornDown    []string
	statusSnap  models.SessionSnapshot
	statusKnown bool
}

func (m *fakeManager) ValidateConfig(_ context.Context, ownerID string, cfg models.TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateErr
}

func (m *fakeManager) EnsureSession(_ context.Context, ownerID string, cfg models.TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.ensured = append(m.ensured, cfg)
	return nil
}

func (m *fakeManager) Teardown(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tornDown = append(m.tornDown, ownerID)
}

func (m *fakeManager) Status(ownerID string) (models.SessionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusSnap, m.statusKnown
}

func (m *fakeManager) Publish(_ context.Context, ownerID, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, topic)
	return nil
}

// fakeMaps is a scriptable MapService.
type fakeMaps struct {
	mu        sync.Mutex
	triggered []string
	data      []byte
}

func (f *fakeMaps) TriggerRefresh(ownerID, apiToken string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, ownerID)
	return true
}

func (f *fakeMaps) FieldMap(ownerID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil, mapservice.ErrNotGenerated
	}
	return f.data, nil
}

type testAPI struct {
	srv       *httptest.Server
	masterKey string
	keyring   *auth.Keyring
	manager   *fakeManager
	maps      *fakeMaps
	hub       *websocket.Hub
	configs   *store.TenantConfigStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keyring := auth.NewKeyring(store.NewCredentialStore(db))
	masterKey, err := keyring.EnsureMaster(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, masterKey)

	configs := store.NewTenantConfigStore(db)
	manager := &fakeManager{}
	maps := &fakeMaps{}
	hub := websocket.NewHub()

	handler := NewHandler(keyring, configs, manager, hub, maps, nil)
	router := NewRouter(handler, keyring, NewChiMiddleware(&ChiMiddlewareConfig{
		CORSAllowedOrigins: []string{"*"},
		RateLimitDisabled:  true,
	}))

	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)

	return &testAPI{
		srv:       srv,
		masterKey: masterKey,
		keyring:   keyring,
		manager:   manager,
		maps:      maps,
		hub:       hub,
		configs:   configs,
	}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var envelope APIResponse
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusSwitchingProtocols {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
			require.NoError(t, json.Unmarshal(raw, &envelope), "body: %s", raw)
		}
	}
	return resp, envelope
}

// issueUserKey mints a user credential through the admin endpoint.
func (a *testAPI) issueUserKey(t *testing.T) (id, key string) {
	t.Helper()
	resp, envelope := a.do(t, http.MethodPost, "/api/v1/admin/keys", a.masterKey, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := envelope.Data.(map[string]interface{})
	key = data["key"].(string)
	cred := data["credential"].(map[string]interface{})
	return cred["id"].(string), key
}

func validConfigBody() map[string]interface{} {
	return map[string]interface{}{
		"broker_host":          "broker.example.com",
		"broker_port":          1883,
		"subscribe_topic":      "fleet/+/telemetry",
		"publish_topic_prefix": "fleet/commands",
		"username":             "bridge",
		"password":             "hunter2",
	}
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready", "/api/v1/health/"} {
		resp, envelope := a.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.True(t, envelope.Success, path)
	}
}

func TestAdminKeysLifecycle(t *testing.T) {
	a := newTestAPI(t)

	id, key := a.issueUserKey(t)
	assert.True(t, strings.HasPrefix(key, "fg_key_"))

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/admin/keys", a.masterKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := envelope.Data.(map[string]interface{})
	// Master plus the issued user key.
	assert.Equal(t, float64(2), data["count"])

	resp, _ = a.do(t, http.MethodDelete, "/api/v1/admin/keys/"+id, a.masterKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, a.manager.tornDown, id)

	// The revoked key no longer authenticates.
	resp, envelope = a.do(t, http.MethodGet, "/api/v1/config", key, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, ErrCodeUnauthorized, envelope.Error.Code)
}

func TestAdminKeysRejectUserTier(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/admin/keys", key, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeForbidden, envelope.Error.Code)
}

func TestAdminKeysRejectMissingToken(t *testing.T) {
	a := newTestAPI(t)
	resp, _ := a.do(t, http.MethodPost, "/api/v1/admin/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTenantRoutesRejectMasterTier(t *testing.T) {
	a := newTestAPI(t)
	resp, envelope := a.do(t, http.MethodGet, "/api/v1/config", a.masterKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeForbidden, envelope.Error.Code)
}

func TestConfigPutAndGet(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, id, data["owner_id"])
	assert.Equal(t, "********", data["password"], "password must be redacted")

	// The session was ensured with the unredacted config.
	require.Len(t, a.manager.ensured, 1)
	assert.Equal(t, "hunter2", a.manager.ensured[0].Password)
	assert.Equal(t, id, a.manager.ensured[0].OwnerID)

	resp, envelope = a.do(t, http.MethodGet, "/api/v1/config", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = envelope.Data.(map[string]interface{})
	assert.Equal(t, "broker.example.com", data["broker_host"])
}

func TestConfigGetWithoutConfig(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/config", key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, envelope.Error.Code)
}

func TestConfigPutValidationFailure(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)
	a.manager.validateErr = &connmgr.ConfigError{Field: "broker_host", Reason: "host does not resolve"}

	resp, envelope := a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidationFailed, envelope.Error.Code)

	// A rejected config is never persisted and no session starts.
	_, err := a.configs.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrConfigNotFound)
	assert.Empty(t, a.manager.ensured)
}

func TestConfigPutStoredBeforeSessionStart(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)
	a.manager.ensureErr = errors.New("dialer wedged")

	resp, _ := a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The store is the source of truth: a validated config is persisted
	// even when the session start fails, so the next viewer attach
	// reconnects from it.
	cfg, err := a.configs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", cfg.BrokerHost)
}

func TestConfigPutMalformedBody(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	req, err := http.NewRequest(http.MethodPut, a.srv.URL+"/api/v1/config", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventPublish(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)
	a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/events/arrival", key, map[string]string{"robot": "r-7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, "fleet/commands/arrival", data["topic"])
	assert.Equal(t, []string{"fleet/commands/arrival"}, a.manager.published)
}

func TestEventPublishUnknownType(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)
	a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())

	resp, _ := a.do(t, http.MethodPost, "/api/v1/events/selfdestruct", key, map[string]string{"x": "y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventPublishWithoutConfig(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/events/status", key, map[string]string{"x": "y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, envelope.Error.Code)
}

func TestEventPublishNotConnected(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)
	a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())
	a.manager.publishErr = broker.ErrNotConnected

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/events/control", key, map[string]string{"x": "y"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeNotConnected, envelope.Error.Code)
}

func TestEventPublishNoSession(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)
	a.do(t, http.MethodPut, "/api/v1/config", key, validConfigBody())
	a.manager.publishErr = connmgr.ErrNoSession

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/events/exception", key, map[string]string{"x": "y"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeNotConnected, envelope.Error.Code)
}

func TestSessionStatusAbsent(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/session", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, string(models.SessionAbsent), data["state"])
}

func TestSessionStatusLive(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)
	a.manager.statusKnown = true
	a.manager.statusSnap = models.SessionSnapshot{
		OwnerID:    id,
		State:      models.SessionLive,
		Generation: 3,
	}

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/session", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, string(models.SessionLive), data["state"])
	assert.Equal(t, float64(3), data["generation"])
}

func TestSessionTeardown(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)

	resp, _ := a.do(t, http.MethodDelete, "/api/v1/session", key, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{id}, a.manager.tornDown)
}

func TestMapsRefreshAndGet(t *testing.T) {
	a := newTestAPI(t)
	id, key := a.issueUserKey(t)

	resp, envelope := a.do(t, http.MethodPost, "/api/v1/maps/refresh", key, map[string]string{"api_token": "upstream"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, true, data["started"])
	assert.Equal(t, []string{id}, a.maps.triggered)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/maps/", key, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a.maps.data = []byte(`{"fields":[]}`)
	resp, _ = a.do(t, http.MethodGet, "/api/v1/maps/", key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMapsRefreshRequiresToken(t *testing.T) {
	a := newTestAPI(t)
	_, key := a.issueUserKey(t)

	resp, _ := a.do(t, http.MethodPost, "/api/v1/maps/refresh", key, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	resp, err := http.Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
