// ABOUTME: Telemetry metrics for the persistence service front end
// ABOUTME: Records per-operation latency and outcome, dispatcher queue depth and LUN binds

package persist

import (
	"context"
	"time"

	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines telemetry methods for service operations
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records one service call and how it ended
	RecordOperation(ctx context.Context, op string, duration time.Duration, err error)

	// RecordQueueDepth records the dispatcher backlog when a job is queued
	RecordQueueDepth(ctx context.Context, depth int)

	// RecordBind records a LUN bind or unbind
	RecordBind(ctx context.Context, lun uint32, bound bool, duration time.Duration, err error)
}

type metrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a Metrics implementation backed by tel
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &metrics{tel: tel}
}

// NewNoopMetrics creates a Metrics that records nothing
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String(telemetry.AttrStatus, telemetry.StatusError)
	}
	return attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess)
}

func (m *metrics) RecordOperation(ctx context.Context, op string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentService),
		attribute.String(telemetry.AttrOperationType, op),
		statusAttr(err),
	}
	m.tel.RecordHistogram(ctx, "persist.service.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "persist.service.operation.count", 1, attrs...)

	if err != nil {
		m.tel.RecordCounter(ctx, "persist.service.error.count", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentService),
			attribute.String(telemetry.AttrOperationType, op),
			attribute.String(telemetry.AttrErrorKind, status.Name(err)),
		)
	}
}

func (m *metrics) RecordQueueDepth(ctx context.Context, depth int) {
	m.tel.RecordHistogram(ctx, "persist.service.queue.depth", float64(depth),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentService),
	)
}

func (m *metrics) RecordBind(ctx context.Context, lun uint32, bound bool, duration time.Duration, err error) {
	op := telemetry.OpTypeBind
	if !bound {
		op = "unbind"
	}
	m.tel.RecordHistogram(ctx, "persist.service.bind.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentService),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.Int64(telemetry.AttrLUN, int64(lun)),
		statusAttr(err),
	)
}

// Close cleans up any resources used by the metrics
func (m *metrics) Close() error {
	return nil
}

// noopMetrics provides a no-operation implementation for testing or disabled telemetry
type noopMetrics struct{}

func (n *noopMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, err error) {
}
func (n *noopMetrics) RecordQueueDepth(ctx context.Context, depth int) {}
func (n *noopMetrics) RecordBind(ctx context.Context, lun uint32, bound bool, duration time.Duration, err error) {
}
func (n *noopMetrics) Close() error { return nil }
