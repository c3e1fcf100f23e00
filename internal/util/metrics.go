package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rental_orders_created_total",
		Help: "Total number of orders created",
	})

	BookingRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_booking_rejected_total",
		Help: "Total number of rejected booking attempts",
	}, []string{"reason"})

	BookingRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rental_booking_retries_total",
		Help: "Total number of booking transactions retried after a write conflict",
	})

	BookingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rental_booking_latency_seconds",
		Help:    "Latency of booking transactions including retries",
		Buckets: prometheus.DefBuckets,
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"from", "to"})

	ResourcesReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_resources_released_total",
		Help: "Total number of resources reverted to AVAILABLE",
	}, []string{"source"})

	PaymentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_payments_created_total",
		Help: "Total number of payments opened with a provider",
	}, []string{"provider"})

	PaymentSettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_payment_settlements_total",
		Help: "Outcomes of applying provider payment reports",
	}, []string{"status", "outcome"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_refunds_total",
		Help: "Total number of refund requests",
	}, []string{"provider", "result"})

	ProviderRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rental_provider_request_latency_seconds",
		Help:    "Latency of outbound payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	WebhookCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_webhook_callbacks_total",
		Help: "Total number of inbound provider callbacks",
	}, []string{"provider", "result"})

	CallbackDeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_callback_dead_letters_total",
		Help: "Callback failures recorded, retried, resolved or abandoned",
	}, []string{"state"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_payment_cache_lookups_total",
		Help: "Payment cache hits and misses",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
