package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ignitron/internal/session"
)

func TestObserveLine(t *testing.T) {
	m := New()
	m.ObserveLine(9)
	m.ObserveLine(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linesReceived))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.bytesReceived))
	assert.Greater(t, testutil.ToFloat64(m.lastActivity), 0.0)
}

func TestObserveOutcome(t *testing.T) {
	m := New()
	m.ObserveOutcome(session.OutcomeSaved)
	m.ObserveOutcome(session.OutcomeSaved)
	m.ObserveOutcome(session.OutcomeBroken)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("broken")))
}

func TestObserveStats(t *testing.T) {
	m := New()
	m.ObserveStats(session.Stats{Scanned: 3, Saved: 2, SkippedNotInFilter: 1}, time.Second, false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("skipped_not_in_filter")))

	m.ObserveStats(session.Stats{Scanned: 1, Saved: 1}, time.Second, true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("saved")), "per-capture runs are not double counted")
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveBankList(12)
	m.ObserveReadError()

	path := filepath.Join(t.TempDir(), "ignitron.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ignitron_capture_bank_list_size 12")
	assert.Contains(t, string(data), "ignitron_serial_read_errors_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveLine(3)
	m.ObserveReadError()
	m.ObserveOutcome(session.OutcomeSaved)
	m.ObserveBankList(1)
	m.ObserveStats(session.Stats{}, 0, false)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}
