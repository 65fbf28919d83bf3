package observability_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CreditLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
}

func TestNewTestLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewTestLogger(&buf, "core")
	log.Warn().Str("call_type", "Multicall").Msg("call rejected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "core", line["component"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "Multicall", line["call_type"])
}

func TestMetrics_IsolatedRegistry(t *testing.T) {
	// two instances on separate registries must not collide
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.CoreCallsApplied.WithLabelValues("Mint").Inc()
	m1.SetRiskState(600, true, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m1.CoreCallsApplied.WithLabelValues("Mint")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.CoreCallsApplied.WithLabelValues("Mint")))
	assert.Equal(t, 600.0, testutil.ToFloat64(m1.CumulativeLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.FacadePaused))
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	h.SetDependency("postgres", true)
	h.SetDependency("nats", false)
	assert.False(t, h.IsReady())

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats")

	h.SetDependency("nats", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
