package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()

	c.RecordPeriodRun("computed", 40*time.Millisecond)
	c.RecordPeriodRun("failed", time.Millisecond)
	c.RecordPeriodRun("computed", time.Millisecond)
	c.RecordSLAOutcome("breached", 2000, 1, 2)
	c.RecordSLAOutcome("compliant", 0)
	c.RecordUnresolvedEvents(3)
	c.RecordBusMessage("wastebill.period.run", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.periodRuns.WithLabelValues("computed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.periodRuns.WithLabelValues("failed")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(c.penaltyMinorUnits))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.unresolvedEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalations.WithLabelValues("2")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	a.RecordUnresolvedEvents(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.unresolvedEvents))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordPeriodRun("computed", time.Second)
	c.RecordSLAOutcome("breached", 1, 1)
	c.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `wastebill_http_requests_total{method="GET",route="/health",status="200"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
