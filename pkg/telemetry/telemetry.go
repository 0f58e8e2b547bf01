// ABOUTME: Telemetry abstraction over OpenTelemetry used by the store, transaction and service layers
// ABOUTME: Components record metrics and spans through this interface and fall back to a no-op when disabled

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the only telemetry surface persistence components depend on.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes and stops all providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is embedded by each component's metrics interface.
type ComponentMetrics interface {
	Close() error
}

// NoopTelemetry discards everything.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it, if any.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds a byte count to a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys shared by all components.
const (
	AttrComponent     = "component"
	AttrOperationType = "operation.type"
	AttrStatus        = "status"
	AttrErrorKind     = "error.kind"
	AttrSector        = "sector"
	AttrLUN           = "lun"
	AttrReason        = "reason"
	AttrHookPoint     = "hook.point"
)

// Attribute values.
const (
	OpTypeCommit     = "commit"
	OpTypeReplay     = "replay"
	OpTypeReadSector = "read_sector"
	OpTypeReadEntry  = "read_entry"
	OpTypeBind       = "bind"
	OpTypeWrite      = "write"
	OpTypeModify     = "modify"
	OpTypeDelete     = "delete"

	StatusSuccess = "success"
	StatusError   = "error"

	ComponentStore       = "store"
	ComponentTransaction = "transaction"
	ComponentService     = "persist"
	ComponentRPC         = "rpc"
)
