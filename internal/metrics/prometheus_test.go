package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	m.RecordReceived("server", 10)
	m.RecordSent("server", 10)
	m.RecordDrop("client", ReasonShort)
	m.RecordHandshakeIssued()
	m.RecordHandshakeCompleted()
	m.RecordConnect(0.1)
	m.RecordSessionOpened()
	m.RecordSessionClosed(1)
	m.RecordDoubleClose()
	m.RecordBroadcast(3)
}

func TestSessionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionOpened()
	m.RecordSessionOpened()
	m.RecordSessionClosed(2.5)

	assert.Equal(t, float64(1), value(t, m.ActiveSessions))
	assert.Equal(t, float64(2), value(t, m.SessionsCreated))
	assert.Equal(t, float64(1), value(t, m.SessionsClosed))
}

func TestDatagramCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordReceived("server", 100)
	m.RecordReceived("server", 28)
	m.RecordDrop("server", ReasonShort)

	assert.Equal(t, float64(2), value(t, m.DatagramsReceived.WithLabelValues("server")))
	assert.Equal(t, float64(128), value(t, m.BytesReceived))
	assert.Equal(t, float64(1), value(t, m.DatagramsDropped.WithLabelValues("server", ReasonShort)))
	assert.Zero(t, value(t, m.DatagramsDropped.WithLabelValues("client", ReasonShort)))
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
