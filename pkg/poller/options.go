package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/leptonai/gpu-user-exporter/pkg/log"
)

type Op struct {
	clock       clock.Clock
	registerer  prometheus.Registerer
	auditLogger log.AuditLogger
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}

	if op.clock == nil {
		op.clock = clock.RealClock{}
	}
	if op.auditLogger == nil {
		op.auditLogger = log.NewNopAuditLogger()
	}
}

// Specifies the clock, mainly for testing.
func WithClock(c clock.Clock) OpOption {
	return func(op *Op) {
		op.clock = c
	}
}

// Specifies the registerer for the exporter self metrics.
// The self metrics are not registered if not set.
func WithRegisterer(reg prometheus.Registerer) OpOption {
	return func(op *Op) {
		op.registerer = reg
	}
}

// Specifies the audit logger for series lifecycle events.
func WithAuditLogger(l log.AuditLogger) OpOption {
	return func(op *Op) {
		op.auditLogger = l
	}
}
