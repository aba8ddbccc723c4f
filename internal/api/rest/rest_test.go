package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/api/websocket"
	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/config"
	"github.com/KevinKickass/OpenTestStand/internal/engine"
	"github.com/KevinKickass/OpenTestStand/internal/interfaces"
	"github.com/KevinKickass/OpenTestStand/internal/interlock"
	"github.com/KevinKickass/OpenTestStand/internal/link"
	"github.com/KevinKickass/OpenTestStand/internal/sequence"
	"github.com/KevinKickass/OpenTestStand/internal/storage"
	"github.com/KevinKickass/OpenTestStand/internal/types"
)

type fakeLifecycle struct {
	cfg     *config.Config
	engine  *engine.Engine
	archive interfaces.ArchiveReader
}

func (f *fakeLifecycle) Archive() interfaces.ArchiveReader { return f.archive }

type fakeArchive struct {
	commands []storage.CommandRecord
	limit    int
}

func (f *fakeArchive) RecentSequenceRuns(context.Context, int) ([]storage.SequenceRunRecord, error) {
	return nil, nil
}

func (f *fakeArchive) RecentCommands(_ context.Context, limit int) ([]storage.CommandRecord, error) {
	f.limit = limit
	return f.commands, nil
}

func (f *fakeLifecycle) Config() *config.Config { return f.cfg }

func (f *fakeLifecycle) Engine() *engine.Engine { return f.engine }

func (f *fakeLifecycle) GetCurrentStatus(context.Context) interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING"}
}

func (f *fakeLifecycle) Shutdown(context.Context) error { return nil }

type testServer struct {
	handler http.Handler
	port    *link.FakePort
	lm      *fakeLifecycle
}

func newTestServer(t *testing.T, authCfg config.AuthConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	port := link.NewFakePort()
	eng := engine.New(engine.Options{
		Valves: []actuator.Valve{
			{ID: 1, Name: "LOX Main", Address: actuator.Address{ServoIndex: 0}, State: actuator.ValveClosed},
		},
		Motors:       []actuator.Motor{{Name: "throttle", Angle: 90, Address: actuator.Address{ServoIndex: 4}}},
		Interlock:    interlock.Config{Limit: interlock.DefaultPressureLimit},
		RecordingDir: t.TempDir(),
		Timers:       sequence.NewFakeTimers(),
		Dial:         link.FakeDialer(port, nil),
	}, zaptest.NewLogger(t))
	eng.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	cfg := config.Default()
	cfg.Auth = authCfg
	authService := auth.NewAuthService(authCfg, nil)
	hub := websocket.NewHub(nil, authService)

	lm := &fakeLifecycle{cfg: cfg, engine: eng}
	srv := NewServer(cfg, lm, zaptest.NewLogger(t), hub, authService, nil)
	return &testServer{handler: srv.Handler(), port: port, lm: lm}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})
	w := ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connected":false`)
}

func TestCommandWhileDisconnected(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/commands", SendCommandRequest{Command: "SEQ_SHUTDOWN"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, types.CodeNotConnected, errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/commands", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectAndCommandValve(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/connection/connect", ConnectRequest{Port: "/dev/ttyFAKE"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/connection/connect", ConnectRequest{Port: "/dev/ttyFAKE"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/valves/1", map[string]bool{"open": true}, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, ts.port.Lines(), "V,0,O")

	w = ts.do(t, http.MethodPut, "/api/v1/valves/7", map[string]bool{"open": true}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/valves/abc", map[string]bool{"open": true}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/valves", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(actuator.ValveOpening))

	w = ts.do(t, http.MethodPost, "/api/v1/connection/disconnect", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartSequence(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/connection/connect", ConnectRequest{Port: "/dev/ttyFAKE"}, "").Code)

	w := ts.do(t, http.MethodPost, "/api/v1/sequences/Ignition%20Sequence/start", nil, "")
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)
	assert.Equal(t, types.CodeConfirmationRequired, errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/sequences/Ignition%20Sequence/start", StartSequenceRequest{Confirmed: true}, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// fake timers never fire, so the run stays active
	w = ts.do(t, http.MethodPost, "/api/v1/sequences/System%20Purge/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, types.CodeConflict, errorCode(t, w))

	w = ts.do(t, http.MethodPost, "/api/v1/sequences/Warp%20Drive/start", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/log", nil, "")
	assert.Contains(t, w.Body.String(), `Sequence \"Warp Drive\" is not defined.`)
}

func TestRecordingToggle(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodPost, "/api/v1/recording/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "rocket-log-")

	w = ts.do(t, http.MethodGet, "/api/v1/recording", nil, "")
	assert.Contains(t, w.Body.String(), `"active":true`)

	w = ts.do(t, http.MethodPost, "/api/v1/recording/stop", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthEnforced(t *testing.T) {
	mt, err := auth.NewMachineToken()
	require.NoError(t, err)
	token, tokenHash := mt.Token, mt.Hash

	ts := newTestServer(t, config.AuthConfig{
		Enabled: true,
		MachineTokens: []config.MachineTokenConfig{
			{Name: "daq-logger", TokenHash: tokenHash, Role: auth.RoleObserver},
		},
	})

	w := ts.do(t, http.MethodGet, "/api/v1/snapshot", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/snapshot", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/valves/1", map[string]bool{"open": true}, token)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "nobody", Password: "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// health stays public
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, "").Code)
}

func TestArchiveEndpoints(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/archive/commands", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	archive := &fakeArchive{commands: []storage.CommandRecord{{ID: 1, Command: "SEQ_SHUTDOWN"}}}
	ts.lm.archive = archive

	w = ts.do(t, http.MethodGet, "/api/v1/archive/commands?limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, archive.limit)
	assert.Contains(t, w.Body.String(), "SEQ_SHUTDOWN")

	w = ts.do(t, http.MethodGet, "/api/v1/archive/runs?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
