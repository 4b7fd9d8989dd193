package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridbot/internal/control"
	"gridbot/internal/database"
	"gridbot/internal/events"
	"gridbot/internal/grid"
	"gridbot/internal/metrics"
	"gridbot/internal/status"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeEngine struct {
	mu        sync.Mutex
	payload   status.Payload
	submitted []control.Command
	err       error
}

func (f *fakeEngine) Status() status.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

func (f *fakeEngine) Submit(cmd control.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, cmd)
	return nil
}

func (f *fakeEngine) commands() []control.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]control.Command(nil), f.submitted...)
}

func runningEngine() *fakeEngine {
	return &fakeEngine{payload: status.Payload{
		InstanceID: "eth-long",
		Symbol:     "ETHUSDT",
		Health:     status.Health{State: status.StateRunning, StreamReady: true},
		Config:     status.ConfigInfo{Version: 3, Digest: "abc"},
	}}
}

func newTestServer(t *testing.T, cfg ServerConfig, deps Deps) *Server {
	t.Helper()
	if deps.InstanceID == "" {
		deps.InstanceID = "eth-long"
	}
	deps.Logger = zerolog.Nop()
	cfg.ProductionMode = true
	return NewServer(cfg, deps)
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	eng := runningEngine()
	s := newTestServer(t, ServerConfig{}, Deps{Engine: eng})

	w := do(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, status.StateRunning, body["status"])
	assert.Equal(t, true, body["stream_ready"])

	for _, st := range []string{status.StateHalted, status.StateExiting, status.StateStopped} {
		t.Run(st, func(t *testing.T) {
			eng.mu.Lock()
			eng.payload.Health.State = st
			eng.mu.Unlock()
			w := do(s, http.MethodGet, "/healthz", "")
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{Engine: runningEngine()})

	w := do(s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var p status.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "eth-long", p.InstanceID)
	assert.Equal(t, int64(3), p.Config.Version)
	assert.Equal(t, status.StateRunning, p.Health.State)
}

func TestStatusWithoutEngine(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{})
	w := do(s, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("eth-long", "ETHUSDT")
	m.SetConfigVersion(7)
	s := newTestServer(t, ServerConfig{}, Deps{Engine: runningEngine(), Metrics: m.Handler()})

	w := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gridbot_config_version")
}

func TestControlRequiresToken(t *testing.T) {
	eng := runningEngine()
	s := newTestServer(t, ServerConfig{JWTSecret: testSecret}, Deps{Engine: eng})

	t.Run("missing", func(t *testing.T) {
		w := do(s, http.MethodPost, "/control/stop", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bad format", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/control/stop", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := IssueToken([]byte("other"), "ops", time.Minute)
		require.NoError(t, err)
		w := do(s, http.MethodPost, "/control/stop", token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := IssueToken([]byte(testSecret), "ops", -time.Minute)
		require.NoError(t, err)
		w := do(s, http.MethodPost, "/control/stop", token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	assert.Empty(t, eng.commands())
}

func TestControlSubmitsCommands(t *testing.T) {
	eng := runningEngine()
	s := newTestServer(t, ServerConfig{JWTSecret: testSecret}, Deps{Engine: eng})
	token, err := IssueToken([]byte(testSecret), "ops", time.Minute)
	require.NoError(t, err)

	w := do(s, http.MethodPost, "/control/stop", token)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = do(s, http.MethodPost, "/control/restart", token)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, []control.Command{control.CommandStop, control.CommandRestart}, eng.commands())
}

func TestControlQueueFull(t *testing.T) {
	eng := runningEngine()
	eng.err = fmt.Errorf("submit: %w", grid.ErrCommandQueueFull)
	s := newTestServer(t, ServerConfig{}, Deps{Engine: eng})

	w := do(s, http.MethodPost, "/control/stop", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestControlRateLimited(t *testing.T) {
	eng := runningEngine()
	s := newTestServer(t, ServerConfig{ControlRate: 2}, Deps{Engine: eng})

	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/control/stop", "").Code)
	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/control/stop", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, "/control/stop", "").Code)
	assert.Len(t, eng.commands(), 2)
}

func TestFillsEndpoint(t *testing.T) {
	j, err := database.NewSQLiteJournal(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, j.RecordFill(ctx, "eth-long", events.Fill{
			Symbol: "ETHUSDT", Side: "long", OrderSide: "BUY",
			OrderID: 100 + i, TradeID: i, Price: 2000, Quantity: 0.02,
			Time: at.Add(time.Duration(i) * time.Second),
		}))
	}

	s := newTestServer(t, ServerConfig{}, Deps{Engine: runningEngine(), Journal: j})

	w := do(s, http.MethodGet, "/fills?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool          `json:"success"`
		Data    []events.Fill `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data, 2)
	assert.Equal(t, int64(3), body.Data[0].TradeID)

	w = do(s, http.MethodGet, "/fills?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFillsWithoutJournal(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, Deps{Engine: runningEngine()})
	w := do(s, http.MethodGet, "/fills", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "journal disabled"))
}

func TestValidateToken(t *testing.T) {
	token, err := IssueToken([]byte(testSecret), "gridctl", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken([]byte(testSecret), token)
	require.NoError(t, err)
	assert.Equal(t, "gridctl", claims.Subject)

	_, err = ValidateToken([]byte(testSecret), token+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
