package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foundry-backend/core/reward"
	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/core/trust"
)

var treasuryTiers = []treasury.Tier{treasury.TierCritical, treasury.TierOpportunistic, treasury.TierHealthy}

// Metrics exports settlement measurements on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	settlements    *prometheus.CounterVec
	rewards        prometheus.Histogram
	latency        prometheus.Histogram
	verdicts       *prometheus.CounterVec
	balance        prometheus.Gauge
	paidOut        prometheus.Gauge
	minted         prometheus.Gauge
	minting        prometheus.Gauge
	tier           *prometheus.GaugeVec
	activity       prometheus.Gauge
	activeMachines prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
}

var _ settlement.Observer = (*Metrics)(nil)

// NewMetrics registers every collector, plus the Go and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foundry",
			Name:      "settlements_total",
			Help:      "Completion attempts by outcome code.",
		}, []string{"code"}),
		rewards: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foundry",
			Name:      "reward_mint",
			Help:      "Gross reward per paid settlement in MINT.",
			Buckets:   []float64{0.5, 1, 1.5, 2, 3, 4, 5, 7.5, 10},
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "foundry",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of the completion pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foundry",
			Name:      "trust_verdicts_total",
			Help:      "Scorer verdicts by kind and whether they moved trust.",
		}, []string{"verdict", "applied"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "treasury_balance_units",
			Help:      "Pre-minted treasury balance in base units.",
		}),
		paidOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "treasury_paid_out_units",
			Help:      "Total settled payouts in base units.",
		}),
		minted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "treasury_minted_units",
			Help:      "Total minted in the dynamic phase in base units.",
		}),
		minting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "treasury_minting_enabled",
			Help:      "1 once the treasury has switched to minting.",
		}),
		tier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "treasury_tier",
			Help:      "1 for the current treasury tier, 0 otherwise.",
		}, []string{"tier"}),
		activity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "activity_ratio",
			Help:      "Current network activity ratio.",
		}),
		activeMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "foundry",
			Name:      "active_machines",
			Help:      "Machines with completed work in the activity window.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foundry",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foundry",
			Name:      "events_dropped_total",
			Help:      "Bus events a full subscriber missed, by subscriber.",
		}, []string{"subscriber"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.settlements, m.rewards, m.latency, m.verdicts,
		m.balance, m.paidOut, m.minted, m.minting, m.tier,
		m.activity, m.activeMachines, m.httpRequests, m.eventsDropped,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSettlement(code string, units int64, elapsed time.Duration) {
	m.settlements.WithLabelValues(code).Inc()
	m.latency.Observe(elapsed.Seconds())
	if code == settlement.OutcomePaid && units > 0 {
		m.rewards.Observe(reward.FromUnits(units))
	}
}

func (m *Metrics) ObserveVerdict(v trust.Verdict, applied bool) {
	m.verdicts.WithLabelValues(string(v), strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) ObserveTreasury(st treasury.State) {
	m.balance.Set(float64(st.Balance))
	m.paidOut.Set(float64(st.PaidOut))
	m.minted.Set(float64(st.Minted))
	if st.MintingEnabled {
		m.minting.Set(1)
	} else {
		m.minting.Set(0)
	}
	for _, t := range treasuryTiers {
		v := 0.0
		if t == st.Tier {
			v = 1
		}
		m.tier.WithLabelValues(string(t)).Set(v)
	}
}

func (m *Metrics) ObserveActivity(s settlement.ActivitySnapshot) {
	m.activity.Set(s.Ratio)
	m.activeMachines.Set(float64(s.ActiveMachines))
}

// ObserveRequest counts one served HTTP request.
func (m *Metrics) ObserveRequest(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ObserveEventDropped counts one event missed by a bus subscriber.
func (m *Metrics) ObserveEventDropped(subscriber string) {
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}
