package internaltelemetry

import (
	"context"
	"runtime"
	"sync"
	"time"
	"weak"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/spannertx/pkg/telemetry"
)

// Finalization actions recorded by TxnTelemetry.RecordFinalization.
const (
	FinalizeCommit    = "commit"
	FinalizeRollback  = "rollback"
	FinalizePropagate = "propagate"
)

const serviceName = "spannertx.transaction"

// TxnMetrics holds all the metric instruments for transaction RPCs.
type TxnMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
	FinalizationsCounter    metric.Int64Counter
	RollbackFailuresCounter metric.Int64Counter
}

// NewTxnMetrics creates and registers all the metrics for transaction RPCs.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"spannertx.rpc.client.started_total",
		metric.WithDescription("Total number of transaction RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"spannertx.rpc.client.handled_total",
		metric.WithDescription("Total number of transaction RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"spannertx.rpc.client.duration",
		metric.WithDescription("The latency of transaction RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"spannertx.rpc.client.active_rpcs",
		metric.WithDescription("Number of in-flight transaction RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finalizationsCounter, err := meter.Int64Counter(
		"spannertx.txn.finalizations_total",
		metric.WithDescription("Transactions finalized, by action taken."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbackFailuresCounter, err := meter.Int64Counter(
		"spannertx.txn.rollback_failures_total",
		metric.WithDescription("Best-effort rollbacks that failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
		FinalizationsCounter:    finalizationsCounter,
		RollbackFailuresCounter: rollbackFailuresCounter,
	}, nil
}

// TxnTelemetry pairs the metrics with a tracer.
type TxnTelemetry struct {
	tracer  trace.Tracer
	metrics *TxnMetrics
}

var (
	cacheMu sync.Mutex
	cache   = map[weak.Pointer[telemetry.Telemetry]]*TxnTelemetry{}
	noopTel *TxnTelemetry
)

// For returns the transaction instruments built on tel, creating them once
// per Telemetry. Entries are dropped when tel is garbage collected. A nil tel,
// or one without a meter, yields no-op instruments.
func For(tel *telemetry.Telemetry) *TxnTelemetry {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if tel == nil || tel.Meter == nil {
		if noopTel == nil {
			noopTel = newNoop()
		}
		return noopTel
	}
	key := weak.Make(tel)
	if t, ok := cache[key]; ok {
		return t
	}
	metrics, err := NewTxnMetrics(tel.Meter)
	if err != nil {
		// Instrument registration only fails on invalid names.
		metrics, _ = NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	}
	tracer := tel.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	t := &TxnTelemetry{tracer: tracer, metrics: metrics}
	cache[key] = t
	runtime.AddCleanup(tel, evict, key)
	return t
}

func evict(key weak.Pointer[telemetry.Telemetry]) {
	cacheMu.Lock()
	delete(cache, key)
	cacheMu.Unlock()
}

func newNoop() *TxnTelemetry {
	metrics, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return &TxnTelemetry{
		tracer:  nooptrace.NewTracerProvider().Tracer(""),
		metrics: metrics,
	}
}

// StartRPC starts the span and counters for one RPC.
func (t *TxnTelemetry) StartRPC(ctx context.Context, method string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("rpc.service", serviceName),
		attribute.String("rpc.method", method),
	)
	t.metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
	t.metrics.RpcsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := t.tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("rpc.service", serviceName),
		attribute.String("rpc.method", method),
	))
	return ctx, span, startTime
}

// EndRPC completes the telemetry recording for one RPC.
func (t *TxnTelemetry) EndRPC(ctx context.Context, span trace.Span, startTime time.Time, method string, err error) {
	latency := time.Since(startTime).Milliseconds()
	code := status.Code(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code.String())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	t.metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("rpc.service", serviceName),
		attribute.String("rpc.method", method),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("rpc.service", serviceName),
		attribute.String("rpc.method", method),
		attribute.String("rpc.grpc.status_code", code.String()),
	)
	t.metrics.RpcLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	t.metrics.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}

// RecordFinalization counts one finalization decision.
func (t *TxnTelemetry) RecordFinalization(ctx context.Context, action string) {
	t.metrics.FinalizationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (t *TxnTelemetry) RecordRollbackFailure(ctx context.Context) {
	t.metrics.RollbackFailuresCounter.Add(ctx, 1)
}
