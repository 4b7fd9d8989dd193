// Package metrics exposes the engine's Prometheus collectors:
//
//	gridbot_orders_total{side,role,result}    placement outcomes
//	gridbot_rest_errors_total{kind}           classified exchange errors
//	gridbot_fills_total{side,order_side}      executions seen on the stream
//	gridbot_exits_total{side,reason}          emergency exits
//	gridbot_stage{side}                       committed risk stage
//	gridbot_position{side}                    position size
//	gridbot_stop_price{side}                  standing trailing stop
//	gridbot_equity / gridbot_pnl              accounting snapshot
//	gridbot_stream_connected{stream}          websocket state
//	gridbot_circuit_open                      order placement halted
//	gridbot_config_version                    active strategy version
//	gridbot_reconcile_seconds                 reconcile pass latency
//
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"gridbot/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridbot"

// Metrics holds the collectors of one engine instance
type Metrics struct {
	registry *prometheus.Registry

	orders          *prometheus.CounterVec
	restErrors      *prometheus.CounterVec
	fills           *prometheus.CounterVec
	exits           *prometheus.CounterVec
	stage           *prometheus.GaugeVec
	position        *prometheus.GaugeVec
	stopPrice       *prometheus.GaugeVec
	equity          prometheus.Gauge
	pnl             prometheus.Gauge
	streamConnected *prometheus.GaugeVec
	circuitOpen     prometheus.Gauge
	configVersion   prometheus.Gauge
	reconcile       prometheus.Histogram
}

// New creates the collectors on a private registry labelled with the instance
func New(instanceID, symbol string) *Metrics {
	labels := prometheus.Labels{"instance": instanceID, "symbol": symbol}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total", Help: "Order placements by outcome", ConstLabels: labels,
		}, []string{"side", "role", "result"}),
		restErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rest_errors_total", Help: "Exchange errors by kind", ConstLabels: labels,
		}, []string{"kind"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total", Help: "Trade executions", ConstLabels: labels,
		}, []string{"side", "order_side"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exits_total", Help: "Emergency exits by reason", ConstLabels: labels,
		}, []string{"side", "reason"}),
		stage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stage", Help: "Committed risk stage", ConstLabels: labels,
		}, []string{"side"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "position", Help: "Position size in base asset", ConstLabels: labels,
		}, []string{"side"}),
		stopPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stop_price", Help: "Standing trailing stop price", ConstLabels: labels,
		}, []string{"side"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "equity", Help: "Allocated capital plus pnl", ConstLabels: labels,
		}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pnl", Help: "Equity minus allocated capital", ConstLabels: labels,
		}),
		streamConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_connected", Help: "1 while the websocket is up", ConstLabels: labels,
		}, []string{"stream"}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_open", Help: "1 while order placement is halted", ConstLabels: labels,
		}),
		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "config_version", Help: "Active strategy config version", ConstLabels: labels,
		}),
		reconcile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconcile_seconds", Help: "Reconcile pass latency", ConstLabels: labels,
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}

	m.registry.MustRegister(
		m.orders, m.restErrors, m.fills, m.exits,
		m.stage, m.position, m.stopPrice, m.equity, m.pnl,
		m.streamConnected, m.circuitOpen, m.configVersion, m.reconcile,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOrder(side, role, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, role, result).Inc()
}

func (m *Metrics) ObserveRESTError(kind string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcile.Observe(d.Seconds())
}

// SetPosition records size and stage of a side
func (m *Metrics) SetPosition(side string, amount float64, stage int) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(side).Set(amount)
	m.stage.WithLabelValues(side).Set(float64(stage))
}

func (m *Metrics) SetAccounting(equity, pnl float64) {
	if m == nil {
		return
	}
	m.equity.Set(equity)
	m.pnl.Set(pnl)
}

func (m *Metrics) SetConfigVersion(v int64) {
	if m == nil {
		return
	}
	m.configVersion.Set(float64(v))
}

// Subscribe feeds the event-driven collectors from the bus
func (m *Metrics) Subscribe(bus *events.EventBus) {
	if m == nil || bus == nil {
		return
	}
	bus.Subscribe(events.EventOrderFilled, func(e events.Event) {
		m.fills.WithLabelValues(e.String("side"), e.String("order_side")).Inc()
	})
	bus.Subscribe(events.EventEmergencyExit, func(e events.Event) {
		m.exits.WithLabelValues(e.String("side"), e.String("reason")).Inc()
	})
	bus.Subscribe(events.EventStageChanged, func(e events.Event) {
		m.stage.WithLabelValues(e.String("side")).Set(float64(e.Int("to")))
	})
	bus.Subscribe(events.EventStopMoved, func(e events.Event) {
		m.stopPrice.WithLabelValues(e.String("side")).Set(e.Float("new_stop"))
	})
	bus.Subscribe(events.EventStreamState, func(e events.Event) {
		v := 0.0
		if up, _ := e.Data["connected"].(bool); up {
			v = 1
		}
		m.streamConnected.WithLabelValues(e.String("stream")).Set(v)
	})
	bus.Subscribe(events.EventCircuitBreaker, func(e events.Event) {
		if e.String("state") == "open" {
			m.circuitOpen.Set(1)
		} else {
			m.circuitOpen.Set(0)
		}
	})
	bus.Subscribe(events.EventConfigReloaded, func(e events.Event) {
		m.configVersion.Set(float64(e.Int("version")))
	})
}
