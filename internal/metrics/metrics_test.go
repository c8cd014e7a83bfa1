package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c.signals)
	assert.NotNil(t, c.operations)
	assert.NotNil(t, c.opLatency)
	assert.NotNil(t, c.instances)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestEmit_CountsBySignalType(t *testing.T) {
	c, _ := newTestCollector(t)
	var em events.Emitter = c

	em.Emit(events.Event{Type: "escrow.funded"})
	em.Emit(events.Event{Type: "escrow.milestone.approved"})
	em.Emit(events.Event{Type: "escrow.milestone.approved"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.signals.WithLabelValues("escrow.funded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signals.WithLabelValues("escrow.milestone.approved")))
}

func TestRecordOperation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordOperation("approve", "", 10*time.Millisecond)
	c.RecordOperation("approve", "already_paid", time.Millisecond)
	c.RecordOperation("approve", "already_paid", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("approve", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("approve", "already_paid")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.opLatency))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateInstanceStats(1, 2, 3, 4)
	c.SetClaimable(5)
	c.SetJournalSeq(42)
	c.SetRecoveryTime(0.25)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.instances.WithLabelValues("unfunded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.instances.WithLabelValues("active")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.instances.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.instances.WithLabelValues("cancelled")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.claimable))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.journalSeq))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.recoveryTime))
}

func TestNotifications(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordNotification(true)
	c.RecordNotification(false)
	c.RecordNotification(false)
	c.RecordNotificationDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifyResult.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.notifyResult.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifyDrops))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Emit(events.Event{Type: "escrow.milestone.submitted"})
				c.RecordOperation("submit", "", time.Microsecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.signals.WithLabelValues("escrow.milestone.submitted")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.operations.WithLabelValues("submit", "ok")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.Emit(events.Event{Type: "escrow.completed"})

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `escrow_signals_total{type="escrow.completed"} 1`), body)
}
