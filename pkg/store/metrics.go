// ABOUTME: Store telemetry metrics interface and implementation for the commit and read paths
// ABOUTME: Provides instrumentation for commits, syncs, journal replay, corruption, reads and hooks

package store

import (
	"context"
	"time"

	"github.com/KevoDB/persist/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for store telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordCommit records a commit, its element count and the payload bytes written.
	RecordCommit(ctx context.Context, duration time.Duration, elements int, bytes int64, err error)

	// RecordSync records a device sync.
	RecordSync(ctx context.Context, duration time.Duration)

	// RecordReplay records a journal replay at bind time.
	RecordReplay(ctx context.Context, duration time.Duration, elements int)

	// RecordScan records the region scan at bind time.
	RecordScan(ctx context.Context, duration time.Duration, live int, corrupt int)

	// RecordCorruption records an inconsistent slot or journal element.
	RecordCorruption(ctx context.Context, reason string)

	// RecordRead records a sector page or single entry read.
	RecordRead(ctx context.Context, opType string, duration time.Duration, entries int, err error)

	// RecordHook records a commit reaching an armed hook.
	RecordHook(ctx context.Context, point HookPoint, action HookAction)
}

// storeMetrics implements Metrics using the telemetry interface.
type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a new store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op store metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func statusOf(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

func (m *storeMetrics) RecordCommit(ctx context.Context, duration time.Duration, elements int, bytes int64, err error) {
	m.tel.RecordHistogram(ctx, "persist.store.commit.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCommit),
		attribute.String(telemetry.AttrStatus, statusOf(err)),
	)

	m.tel.RecordCounter(ctx, "persist.store.commit.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, statusOf(err)),
	)

	if err != nil {
		return
	}

	m.tel.RecordCounter(ctx, "persist.store.commit.elements", int64(elements),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)

	telemetry.RecordBytes(ctx, m.tel, "persist.store.commit.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) RecordSync(ctx context.Context, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "persist.store.sync.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) RecordReplay(ctx context.Context, duration time.Duration, elements int) {
	m.tel.RecordHistogram(ctx, "persist.store.replay.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeReplay),
	)

	m.tel.RecordCounter(ctx, "persist.store.replay.elements", int64(elements),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) RecordScan(ctx context.Context, duration time.Duration, live int, corrupt int) {
	m.tel.RecordHistogram(ctx, "persist.store.scan.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeBind),
	)

	m.tel.RecordCounter(ctx, "persist.store.scan.live_entries", int64(live),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)

	if corrupt > 0 {
		m.tel.RecordCounter(ctx, "persist.store.scan.corrupt_slots", int64(corrupt),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		)
	}
}

func (m *storeMetrics) RecordCorruption(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "persist.store.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *storeMetrics) RecordRead(ctx context.Context, opType string, duration time.Duration, entries int, err error) {
	m.tel.RecordHistogram(ctx, "persist.store.read.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, statusOf(err)),
	)

	m.tel.RecordCounter(ctx, "persist.store.read.entries", int64(entries),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

func (m *storeMetrics) RecordHook(ctx context.Context, point HookPoint, action HookAction) {
	m.tel.RecordCounter(ctx, "persist.store.hook.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrHookPoint, point.String()),
		attribute.String("action", action.String()),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	return nil
}

// noopMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopMetrics struct{}

func (n *noopMetrics) RecordCommit(ctx context.Context, duration time.Duration, elements int, bytes int64, err error) {
}
func (n *noopMetrics) RecordSync(ctx context.Context, duration time.Duration)                 {}
func (n *noopMetrics) RecordReplay(ctx context.Context, duration time.Duration, elements int) {}
func (n *noopMetrics) RecordScan(ctx context.Context, duration time.Duration, live int, corrupt int) {
}
func (n *noopMetrics) RecordCorruption(ctx context.Context, reason string) {}
func (n *noopMetrics) RecordRead(ctx context.Context, opType string, duration time.Duration, entries int, err error) {
}
func (n *noopMetrics) RecordHook(ctx context.Context, point HookPoint, action HookAction) {}
func (n *noopMetrics) Close() error                                                      { return nil }
