package observability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dealescrow/native/escrow"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks deal transitions handled by the engine.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Deal transitions attempted, segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Rejected deal transitions segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "engine",
				Name:      "transition_duration_seconds",
				Help:      "Latency of deal transitions including the ledger commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rejections,
			escrowRegistry.latency,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of one transition.
func (m *EscrowMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.rejections.WithLabelValues(operation, RejectionReason(err)).Inc()
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

var rejectionReasons = []struct {
	err    error
	reason string
}{
	{escrow.ErrUnauthorized, "unauthorized"},
	{escrow.ErrInvalidState, "invalid_state"},
	{escrow.ErrDeadlinePassed, "deadline_passed"},
	{escrow.ErrInsufficientFunds, "insufficient_funds"},
	{escrow.ErrAssetMismatch, "asset_mismatch"},
	{escrow.ErrTicketMismatch, "ticket_mismatch"},
	{escrow.ErrStaleTicket, "stale_ticket"},
	{escrow.ErrExpiredTicket, "expired_ticket"},
	{escrow.ErrInvalidSplit, "invalid_split"},
	{escrow.ErrSignatureInvalid, "signature_invalid"},
	{escrow.ErrArithmeticOverflow, "arithmetic_overflow"},
	{escrow.ErrInvalidAmount, "invalid_amount"},
	{escrow.ErrInvalidFee, "invalid_fee"},
	{escrow.ErrInvalidParty, "invalid_party"},
	{escrow.ErrInvalidAsset, "invalid_asset"},
	{escrow.ErrDealNotFound, "deal_not_found"},
	{escrow.ErrDealExists, "deal_exists"},
	{escrow.ErrEvidenceInvalid, "evidence_invalid"},
	{escrow.ErrCapabilityDenied, "capability_denied"},
}

// RejectionReason maps an engine error to a stable label.
func RejectionReason(err error) string {
	for _, candidate := range rejectionReasons {
		if errors.Is(err, candidate.err) {
			return candidate.reason
		}
	}
	return "internal"
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
