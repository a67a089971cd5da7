package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/examcredit/pkg/ledger"
	"github.com/MarkoPoloResearchLab/examcredit/pkg/payment"
)

const namespace = "examcredit"

// Metrics holds the Prometheus collectors of the credit daemon.
type Metrics struct {
	LedgerOperations   *prometheus.CounterVec
	WebhookOutcomes    *prometheus.CounterVec
	SignatureFailures  prometheus.Counter
	IntentTransitions  *prometheus.CounterVec
	GatewayCalls       *prometheus.CounterVec
	GatewayCallSeconds *prometheus.HistogramVec
	SweepRuns          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by kind and status.",
		}, []string{"operation", "status"}),
		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_notifications_total",
			Help:      "Applied gateway notifications by outcome.",
		}, []string{"outcome"}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_signature_failures_total",
			Help:      "Webhook deliveries rejected for an invalid signature.",
		}),
		IntentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_transitions_total",
			Help:      "Payment intent status changes.",
		}, []string{"from", "to"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Calls to the PIX gateway by operation and result.",
		}, []string{"operation", "result"}),
		GatewayCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of PIX gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Scheduled sweep passes by job and result.",
		}, []string{"job", "result"}),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{
		metrics.LedgerOperations,
		metrics.WebhookOutcomes,
		metrics.SignatureFailures,
		metrics.IntentTransitions,
		metrics.GatewayCalls,
		metrics.GatewayCallSeconds,
		metrics.SweepRuns,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// Recorder forwards ledger, payment and gateway events to zap and Prometheus.
type Recorder struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewRecorder builds a Recorder. A nil logger is replaced by a no-op logger.
func NewRecorder(logger *zap.Logger, metrics *Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, metrics: metrics}
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
		zap.Bool("renewed", entry.Renewed),
		zap.String("status", entry.Status),
	}
	if entry.Reference.Type != "" {
		fields = append(fields, zap.String("reference_type", entry.Reference.Type.String()), zap.String("reference_id", entry.Reference.ID))
	}
	switch {
	case entry.Error == nil:
		recorder.logger.Info("ledger operation", fields...)
	case entry.Status == "rejected":
		recorder.logger.Info("ledger operation rejected", append(fields, zap.Error(entry.Error))...)
	default:
		recorder.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
	if recorder.metrics != nil {
		recorder.metrics.LedgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	}
}

// ObserveWebhook implements payment.Metrics.
func (recorder *Recorder) ObserveWebhook(outcome payment.Outcome) {
	if recorder.metrics == nil {
		return
	}
	recorder.metrics.WebhookOutcomes.WithLabelValues(string(outcome)).Inc()
}

// ObserveSignatureFailure implements payment.Metrics.
func (recorder *Recorder) ObserveSignatureFailure() {
	if recorder.metrics == nil {
		return
	}
	recorder.metrics.SignatureFailures.Inc()
}

// ObserveIntentTransition implements payment.Metrics.
func (recorder *Recorder) ObserveIntentTransition(from payment.Status, to payment.Status) {
	if recorder.metrics == nil {
		return
	}
	recorder.metrics.IntentTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveGatewayCall records the latency and result of one gateway round trip.
func (recorder *Recorder) ObserveGatewayCall(operation string, duration time.Duration, err error) {
	if recorder.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	recorder.metrics.GatewayCalls.WithLabelValues(operation, result).Inc()
	recorder.metrics.GatewayCallSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveSweep records one scheduled sweep pass.
func (recorder *Recorder) ObserveSweep(job string, err error) {
	if recorder.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	recorder.metrics.SweepRuns.WithLabelValues(job, result).Inc()
}
