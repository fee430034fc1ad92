package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method, route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seckill_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// PurchasesTotal counts purchase attempts by outcome.
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckill_purchases_total",
			Help: "Purchase attempts by result",
		},
		[]string{"result"}, // success, sold_out, already_attempted, not_started, ended, not_found, unavailable
	)

	// StockReconciliations counts counter rebuilds from the ledger.
	StockReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckill_stock_reconciliations_total",
			Help: "Redis stock counter reconciliations by trigger",
		},
		[]string{"reason"}, // miss, invalid, oversold, admin
	)

	// ConsistencyDebt counts stock consumed without a durable order.
	ConsistencyDebt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seckill_consistency_debt_total",
			Help: "Decrements whose order could not be persisted",
		},
	)

	// SettlementsTotal counts settlement deliveries by outcome.
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckill_settlements_total",
			Help: "Settlement deliveries by result",
		},
		[]string{"result"}, // confirmed, duplicate, retried, dead_lettered, cancelled
	)

	// MessagesPublished counts broker publishes by queue and result.
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckill_broker_published_total",
			Help: "Messages published to the broker",
		},
		[]string{"queue", "result"},
	)

	// BrokerState exposes the broker connection state machine.
	// 0=disconnected 1=connecting 2=connected 3=exhausted
	BrokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seckill_broker_state",
			Help: "Broker connection state",
		},
	)

	// PushConnections tracks live websocket push channels.
	PushConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seckill_push_connections",
			Help: "Registered buyer push channels",
		},
	)
)
