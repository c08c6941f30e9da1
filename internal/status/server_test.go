package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/verichat/internal/health"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/requestid"
)

func newTestServer(t *testing.T, checks map[string]health.Status, snap SnapshotFunc) *Server {
	t.Helper()
	checker := health.NewChecker(zerolog.Nop())
	for name, st := range checks {
		st := st
		checker.Register(name, func(ctx context.Context) health.Status { return st })
	}
	m := metrics.New()
	m.SetChannelState("connected")
	return NewServer("127.0.0.1:0", checker, m, snap, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestLiveness(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestid.Header))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, nil, nil)
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestid.Header, "req-42")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(requestid.Header))
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]health.Status
		want   int
	}{
		{"all ok", map[string]health.Status{"channel": health.StatusOK}, http.StatusOK},
		{"degraded is ready", map[string]health.Status{"channel": health.StatusDegraded}, http.StatusOK},
		{"down", map[string]health.Status{"channel": health.StatusOK, "session": health.StatusDown}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, newTestServer(t, tt.checks, nil), "/readyz")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHealthDetail(t *testing.T) {
	s := newTestServer(t, map[string]health.Status{
		"channel": health.StatusDegraded,
		"session": health.StatusOK,
	}, nil)

	resp := get(t, s, "/api/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"channel": "degraded", "session": "ok"}, body.Components)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `chat_channel_state{state="connected"} 1`))
}

func TestState(t *testing.T) {
	s := newTestServer(t, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{
			Role:       "operator",
			SelfID:     "op-1",
			Connection: "connected",
			Contacts:   3,
			SelectedID: "u-7",
			Messages:   12,
			Pending:    1,
		}, nil
	})

	resp := get(t, s, "/api/v1/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "op-1", snap.SelfID)
	assert.Equal(t, 12, snap.Messages)
	assert.Equal(t, 1, snap.Pending)
	assert.True(t, snap.LastSync.IsZero())
}

func TestState_NoPage(t *testing.T) {
	s := newTestServer(t, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, ErrNoPage
	})

	resp := get(t, s, "/api/v1/state")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "not_found", problem.Type)
	assert.Equal(t, "/api/v1/state", problem.Instance)
}

func TestState_ErrorHidesDetail(t *testing.T) {
	s := newTestServer(t, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, errors.New("loop closed: secret detail")
	})

	resp := get(t, s, "/api/v1/state")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "internal_error", problem.Type)
	assert.NotContains(t, problem.Detail, "secret")
}

func TestRecoverFromPanic(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.App().Get("/boom", func(c *fiber.Ctx) error {
		panic("boom")
	})

	resp := get(t, s, "/boom")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
