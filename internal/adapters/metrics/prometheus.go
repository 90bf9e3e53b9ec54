// Package metrics exposes the position lifecycle as Prometheus series.
//
//   - fusionbot_entries_total{symbol}               entries executed
//   - fusionbot_entries_rejected_total{reason}      candidates vetoed before execution
//   - fusionbot_positions_closed_total{reason,unverified}
//   - fusionbot_realized_pnl_quote_total{symbol,result} realized PnL magnitude of closes with a known exit price
//   - fusionbot_reconcile_total{outcome}            reconciliation outcomes
//   - fusionbot_compensations_total{result}         compensating sells after a failed entry
//   - fusionbot_mode{mode}                          1 for the current system mode
//   - fusionbot_cycle_duration_seconds{result}
//   - fusionbot_open_positions
//   - fusionbot_exchange_retries_total{op}
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

const namespace = "fusionbot"

// Recorder implements ports.Metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	entries         *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	closes          *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	reconcile       *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	mode            *prometheus.GaugeVec
	cycleDuration   *prometheus.HistogramVec
	openPositions   prometheus.Gauge
	exchangeRetries *prometheus.CounterVec
}

var _ ports.Metrics = (*Recorder)(nil)

// NewRecorder registers every series plus the Go and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_total", Help: "Entries executed",
		}, []string{"symbol"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_rejected_total", Help: "Candidates rejected by the entry gate",
		}, []string{"reason"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_closed_total", Help: "Positions closed by exit reason",
		}, []string{"reason", "unverified"}),
		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realized_pnl_quote_total", Help: "Realized PnL magnitude in quote currency, split into profit and loss",
		}, []string{"symbol", "result"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_total", Help: "Reconciliation outcomes per checked position",
		}, []string{"outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compensations_total", Help: "Compensating sells after a half-created entry",
		}, []string{"result"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mode", Help: "Current system mode (1 for the active label)",
		}, []string{"mode"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds", Help: "Trading cycle duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions", Help: "Open positions in the ledger",
		}),
		exchangeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exchange_retries_total", Help: "Retried exchange calls",
		}, []string{"op"}),
	}

	r.registry.MustRegister(
		r.entries, r.rejections, r.closes, r.realizedPnL, r.reconcile,
		r.compensations, r.mode, r.cycleDuration, r.openPositions, r.exchangeRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the registry for tests and additional collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) EntryExecuted(symbol string) { r.entries.WithLabelValues(symbol).Inc() }

func (r *Recorder) EntryRejected(reason string) { r.rejections.WithLabelValues(reason).Inc() }

func (r *Recorder) PositionClosed(symbol, reason string, unverified bool, pnl *float64) {
	r.closes.WithLabelValues(reason, strconv.FormatBool(unverified)).Inc()
	if pnl == nil {
		return
	}
	switch {
	case *pnl > 0:
		r.realizedPnL.WithLabelValues(symbol, "profit").Add(*pnl)
	case *pnl < 0:
		r.realizedPnL.WithLabelValues(symbol, "loss").Add(-*pnl)
	}
}

func (r *Recorder) ReconcileOutcome(outcome string) { r.reconcile.WithLabelValues(outcome).Inc() }

func (r *Recorder) CompensationAttempted(success bool) {
	result := "failed"
	if success {
		result = "sold"
	}
	r.compensations.WithLabelValues(result).Inc()
}

// ModeChanged flips the gauge of the new mode to 1 and every other mode to 0.
func (r *Recorder) ModeChanged(mode string) {
	for _, m := range []domain.SystemMode{domain.ModeActive, domain.ModeDefensive, domain.ModeMaintenance, domain.ModeShutdown} {
		v := 0.0
		if m.String() == mode {
			v = 1
		}
		r.mode.WithLabelValues(m.String()).Set(v)
	}
}

func (r *Recorder) CycleCompleted(seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cycleDuration.WithLabelValues(result).Observe(seconds)
}

func (r *Recorder) OpenPositions(count int) { r.openPositions.Set(float64(count)) }

func (r *Recorder) ExchangeRetry(op string) { r.exchangeRetries.WithLabelValues(op).Inc() }
