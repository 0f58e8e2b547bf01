// ABOUTME: Telemetry metrics for the transaction engine
// ABOUTME: Records transaction starts, staged operation outcomes and transaction lifetimes by outcome

package transaction

import (
	"context"
	"strconv"
	"time"

	"github.com/KevoDB/persist/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Transaction outcomes recorded by Metrics.RecordOutcome.
const (
	OutcomeCommit       = "commit"
	OutcomeCommitFailed = "commit_failed"
	OutcomeAbort        = "abort"
)

// Metrics defines telemetry methods for transaction operations
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordStart records the start of a transaction
	RecordStart(ctx context.Context)

	// RecordOperation records one staging call
	RecordOperation(ctx context.Context, kind OpKind, success bool)

	// RecordOutcome records how a transaction ended, its lifetime and its size
	RecordOutcome(ctx context.Context, outcome string, duration time.Duration, operationCount int)
}

// metrics implements Metrics using the telemetry package
type metrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a Metrics implementation backed by tel
func NewMetrics(tel telemetry.Telemetry) Metrics {
	return &metrics{tel: tel}
}

// NewNoopMetrics creates a Metrics that records nothing
func NewNoopMetrics() Metrics {
	return noopMetrics{}
}

func (m *metrics) RecordStart(ctx context.Context) {
	m.tel.RecordCounter(ctx, "persist.transaction.start.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTransaction),
	)
}

func (m *metrics) RecordOperation(ctx context.Context, kind OpKind, success bool) {
	m.tel.RecordCounter(ctx, "persist.transaction.operation.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTransaction),
		attribute.String(telemetry.AttrOperationType, kind.String()),
		attribute.String("success", strconv.FormatBool(success)),
	)
}

func (m *metrics) RecordOutcome(ctx context.Context, outcome string, duration time.Duration, operationCount int) {
	m.tel.RecordHistogram(ctx, "persist.transaction.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTransaction),
		attribute.String("outcome", outcome),
	)

	m.tel.RecordCounter(ctx, "persist.transaction.operations.count", int64(operationCount),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTransaction),
		attribute.String("outcome", outcome),
	)
}

// Close cleans up any resources used by the metrics
func (m *metrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (noopMetrics) RecordStart(ctx context.Context)                                {}
func (noopMetrics) RecordOperation(ctx context.Context, kind OpKind, success bool) {}
func (noopMetrics) RecordOutcome(ctx context.Context, outcome string, duration time.Duration, operationCount int) {
}
func (noopMetrics) Close() error { return nil }
