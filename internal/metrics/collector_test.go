package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/orchestrator"
)

var _ orchestrator.Recorder = (*Collector)(nil)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.probesTotal)
	assert.NotNil(t, collector.evaluationsTotal)
	assert.NotNil(t, collector.sessionsActive)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/api/v1/stats", 200, 100*time.Millisecond, 128)
	collector.RecordHTTPRequest("GET", "/api/v1/stats", 204, 50*time.Millisecond, 0)
	collector.RecordHTTPRequest("POST", "/api/v1/start", 401, time.Millisecond, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/stats", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/start", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestCollector_RecordProbe(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordProbe(9000, 2, 3, nil)
	collector.RecordProbe(9001, 0, 0, nil)
	collector.RecordProbe(9002, 0, 0, errors.New("connection refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.probesTotal.WithLabelValues("9000", "found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.probesTotal.WithLabelValues("9001", "empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.probesTotal.WithLabelValues("9002", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.targetsDiscovered.WithLabelValues("9000")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.targetsFiltered.WithLabelValues("9000")))

	// 后续探测覆盖 gauge
	collector.RecordProbe(9000, 1, 0, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.targetsDiscovered.WithLabelValues("9000")))
}

func TestCollector_RecordConnectAndSessions(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordConnect(true, 20*time.Millisecond)
	collector.RecordConnect(false, 5*time.Second)
	collector.RecordSessions(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectsTotal.WithLabelValues("failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.sessionsActive))

	collector.RecordSessions(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.sessionsActive))
}

func TestCollector_RecordEvaluate(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordEvaluate("ok", 3*time.Millisecond)
	collector.RecordEvaluate("ok", 4*time.Millisecond)
	collector.RecordEvaluate("timeout", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.evaluationsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.evaluationsTotal.WithLabelValues("timeout")))
}

func TestCollector_RecordInjectionAndPass(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordInjection("delivered")
	collector.RecordInjection("reconfigured")
	collector.RecordInjection("reconfigured")
	collector.RecordPass(150*time.Millisecond, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.injectionsTotal.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.injectionsTotal.WithLabelValues("reconfigured")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.passesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.sessionsActive))
}

func TestCollector_RecordPageStats(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordPageStats(7, 1, 2, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(collector.pageStats.WithLabelValues("clicks")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pageStats.WithLabelValues("blocked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.pageStats.WithLabelValues("file_edits")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.pageStats.WithLabelValues("terminal_commands")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordEvaluate("ok", time.Millisecond)
			collector.RecordInjection("reconfigured")
			collector.RecordHTTPRequest("GET", "/api/v1/status", 200, time.Millisecond, 10)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.evaluationsTotal.WithLabelValues("ok")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.injectionsTotal.WithLabelValues("reconfigured")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/status", "2xx")))
}

func TestStatusCode(t *testing.T) {
	cases := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 100: "unknown"}
	for code, want := range cases {
		assert.Equal(t, want, statusCode(code), "code %d", code)
	}
}
