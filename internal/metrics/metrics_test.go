package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.CommandsTotal.Inc()
	a.Dropped(DropDuplicate)
	a.Dropped(DropDuplicate)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CommandsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CommandsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.FramesDropped.WithLabelValues(DropDuplicate)))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ResultsTotal.WithLabelValues("complete").Inc()
	m.ObserveSession("complete", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `coven_relay_results_total{status="complete"} 1`))
	assert.True(t, strings.Contains(body, "coven_relay_session_duration_seconds_count"))
}
