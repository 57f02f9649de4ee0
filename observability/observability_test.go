package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "json").Debug("hello", "job_hash", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "abc", line["job_hash"])
	assert.Equal(t, "foundry-backend", line["service"])

	buf.Reset()
	NewLogger(&buf, "warn", "text").Info("dropped")
	assert.Empty(t, buf.String())
	NewLogger(&buf, "warn", "text").Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func gather(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestMetricsObserveSettlement(t *testing.T) {
	m := NewMetrics()
	m.ObserveSettlement(settlement.OutcomePaid, 1_500_000_000, 20*time.Millisecond)
	m.ObserveSettlement(settlement.OutcomePaid, 3_000_000_000, 30*time.Millisecond)
	m.ObserveSettlement("stale_proof", 0, time.Millisecond)

	f := gather(t, m, "foundry_settlements_total")
	counts := map[string]float64{}
	for _, metric := range f.GetMetric() {
		counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, counts["paid"])
	assert.Equal(t, 1.0, counts["stale_proof"])

	h := gather(t, m, "foundry_reward_mint").GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 4.5, h.GetSampleSum(), 1e-9)
}

func TestMetricsObserveTreasuryAndVerdicts(t *testing.T) {
	m := NewMetrics()
	m.ObserveTreasury(treasury.State{Balance: 42, PaidOut: 7, MintingEnabled: true, Tier: treasury.TierCritical})
	m.ObserveVerdict(trust.FlagSoft, true)

	assert.Equal(t, 42.0, gather(t, m, "foundry_treasury_balance_units").GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, gather(t, m, "foundry_treasury_minting_enabled").GetMetric()[0].GetGauge().GetValue())
	for _, metric := range gather(t, m, "foundry_treasury_tier").GetMetric() {
		want := 0.0
		if metric.GetLabel()[0].GetValue() == string(treasury.TierCritical) {
			want = 1
		}
		assert.Equal(t, want, metric.GetGauge().GetValue())
	}
	assert.Len(t, gather(t, m, "foundry_trust_verdicts_total").GetMetric(), 1)
}

func TestMetricsCountDroppedEvents(t *testing.T) {
	m := NewMetrics()
	bus := settlement.NewBus(5)
	bus.OnDrop(func(sub string, _ settlement.Event) { m.ObserveEventDropped(sub) })
	_, cancel := bus.SubscribeAs("archive", 1)
	defer cancel()

	for i := 0; i < 3; i++ {
		bus.Publish(settlement.Event{Type: settlement.EventJobCompleted, JobHash: "job-1"})
	}

	f := gather(t, m, "foundry_events_dropped_total")
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, "archive", f.GetMetric()[0].GetLabel()[0].GetValue())
	assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())
}

func TestMetricsHandlerServesText(t *testing.T) {
	m := NewMetrics()
	m.ObserveActivity(settlement.ActivitySnapshot{Ratio: 1.25, ActiveMachines: 3})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "foundry_activity_ratio 1.25"), body)
	assert.Contains(t, body, "foundry_active_machines 3")
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Service: "foundry-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(TracingConfig{Service: "foundry-test", Exporter: "zipkin"})
	assert.Error(t, err)

	ctx, span := StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	span.End()
}
