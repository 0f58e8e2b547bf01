// Package persist is the persistence service: a transactional store of
// small fixed-shape records, partitioned by sector type and backed by one
// bound LUN.
//
// Staging calls (StartTransaction, WriteEntry, ModifyEntry, DeleteEntry,
// AbortTransaction) touch only memory and return at once. Commits, binds
// and reads are queued to a single dispatcher goroutine that owns all
// volume I/O; each accepted request completes through exactly one
// callback, invoked on that goroutine. Blocking helpers wrap the
// asynchronous calls for callers that would rather wait. They must not be
// called from inside a callback: the dispatcher would wait on itself.
package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/persist/pkg/block"
	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/config"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/stats"
	"github.com/KevoDB/persist/pkg/store"
	"github.com/KevoDB/persist/pkg/telemetry"
	"github.com/KevoDB/persist/pkg/transaction"
	"github.com/KevoDB/persist/pkg/volume"
)

// CommitResult describes an applied transaction.
type CommitResult = store.CommitResult

// Options configures a Service. Zero values select defaults.
type Options struct {
	Logger    log.Logger
	Telemetry telemetry.Telemetry
	Stats     stats.Collector
	// Hooks is shared by every store the service binds.
	Hooks *store.Hooks
}

// Service implements the persistence service over LUNs from a volume.Manager.
type Service struct {
	// Configuration
	layout         *layout.Layout
	syncMode       config.SyncMode
	maxReadEntries int
	volumes        *volume.Manager

	// Core components
	txs          *transaction.Registry
	hooks        *store.Hooks
	stats        stats.Collector
	metrics      Metrics
	storeMetrics store.Metrics
	txMetrics    transaction.Metrics
	tel          telemetry.Telemetry
	logger       log.Logger

	// Binding
	bindMu sync.RWMutex
	lunID  uint32
	store  *store.Store

	// lastLUN is the LUN open transactions were staged against. It
	// outlives UnsetLUN.
	lastLUN    uint32
	hasLastLUN bool

	// Dispatcher
	queueMu  sync.RWMutex
	queue    chan job
	done     chan struct{}
	closed   atomic.Bool
	stopping atomic.Bool
}

// New creates a service for cfg and starts its dispatcher. No LUN is bound.
func New(cfg *config.Config, volumes *volume.Manager, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geo, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}
	lay, err := layout.New(geo)
	if err != nil {
		return nil, fmt.Errorf("failed to build layout: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = log.Component(telemetry.ComponentService)
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	if opts.Hooks == nil {
		opts.Hooks = store.NewHooks()
	}

	s := &Service{
		volumes: volumes,
		layout:  lay,
		hooks:   opts.Hooks,
		stats:   opts.Stats,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	cfg.View(func(c *config.Config) {
		s.syncMode = c.SyncMode
		s.maxReadEntries = c.MaxReadEntries
		s.queue = make(chan job, c.QueueDepth)
	})

	s.tel = opts.Telemetry
	if s.tel != nil {
		s.metrics = NewMetrics(opts.Telemetry)
		s.storeMetrics = store.NewMetrics(opts.Telemetry)
		s.txMetrics = transaction.NewMetrics(opts.Telemetry)
	} else {
		s.metrics = NewNoopMetrics()
		s.storeMetrics = store.NewNoopMetrics()
		s.txMetrics = transaction.NewNoopMetrics()
		s.tel = telemetry.NewNoop()
	}
	s.txs = transaction.NewRegistry(s.txMetrics)

	go s.dispatch()

	s.logger.Info("persistence service started: %d blocks per layout, entry capacity %d",
		lay.TotalBlocks(), lay.EntryCapacity())
	return s, nil
}

// Layout returns the configured layout.
func (s *Service) Layout() *layout.Layout { return s.layout }

// RequiredLUNSize is the smallest LUN, in blocks, able to hold the layout.
func (s *Service) RequiredLUNSize() uint64 { return s.layout.RequiredBlocks() }

// bound returns the bound store, or ErrNotBound.
func (s *Service) bound() (*store.Store, uint32, error) {
	s.bindMu.RLock()
	defer s.bindMu.RUnlock()
	if s.store == nil {
		return nil, 0, ErrNotBound
	}
	return s.store, s.lunID, nil
}

// Bound reports the bound LUN, if any.
func (s *Service) Bound() (uint32, bool) {
	_, lun, err := s.bound()
	return lun, err == nil
}

// SetLUN binds the service to the LUN lunID. The LUN is looked up and its
// size checked before the call returns; opening the volume, replaying its
// journal and scanning its regions happen on the dispatcher, and cb
// reports the outcome. A previously bound LUN is released first.
func (s *Service) SetLUN(lunID uint32, cb func(error)) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	lun, err := s.volumes.Get(lunID)
	if err != nil {
		return err
	}
	if lun.Blocks() < s.layout.RequiredBlocks() {
		return fmt.Errorf("%w: lun %d has %d blocks, need %d",
			ErrLUNTooSmall, lunID, lun.Blocks(), s.layout.RequiredBlocks())
	}
	vol, err := block.NewVolume(lun.Device)
	if err != nil {
		return err
	}

	return s.submit(job{
		run: func(ctx context.Context) {
			start := time.Now()
			err := s.bind(ctx, lunID, vol)
			s.metrics.RecordBind(ctx, lunID, true, time.Since(start), err)
			s.track(stats.OpBind, start, err)
			cb(err)
		},
		fail: cb,
	})
}

func (s *Service) bind(ctx context.Context, lunID uint32, vol *block.Volume) error {
	if s.release() {
		s.logger.Info("released previous lun before binding lun %d", lunID)
	}

	st, err := store.Open(ctx, vol, s.layout, store.Options{
		SyncMode: s.syncMode,
		Logger:   log.Component("store").WithField(telemetry.AttrLUN, lunID),
		Metrics:  s.storeMetrics,
		Stats:    s.stats,
		Hooks:    s.hooks,
	})
	if err != nil {
		s.logger.Error("failed to bind lun %d: %v", lunID, err)
		return fmt.Errorf("failed to bind lun %d: %w", lunID, err)
	}

	s.bindMu.Lock()
	switched := s.hasLastLUN && s.lastLUN != lunID
	s.lastLUN, s.hasLastLUN = lunID, true
	s.bindMu.Unlock()
	if switched {
		if n := s.txs.AbortAll(); n > 0 {
			s.logger.Warn("aborted %d open transactions staged against another lun", n)
		}
	}

	s.bindMu.Lock()
	s.store = st
	s.lunID = lunID
	s.bindMu.Unlock()
	s.txs.SetVolume(st)

	rec := st.Recovery()
	s.logger.WithFields(map[string]interface{}{
		"lun":       lunID,
		"formatted": rec.Formatted,
		"replayed":  rec.JournalReplayed,
		"live":      rec.LiveEntries,
	}).Info("bound lun")
	return nil
}

// release clears the binding and closes its store.
func (s *Service) release() bool {
	s.bindMu.Lock()
	st := s.store
	s.store = nil
	s.lunID = 0
	s.bindMu.Unlock()
	if st == nil {
		return false
	}
	s.txs.SetVolume(nil)
	st.Close()
	return true
}

// UnsetLUN clears the binding. Open transactions keep their handles but
// cannot be staged to or committed until a LUN is bound again. Binding the
// same LUN lets them continue; binding a different one aborts them, since
// their deletes and modifies name entries of the old LUN. Unsetting an
// unbound service does nothing.
func (s *Service) UnsetLUN() error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	start := time.Now()
	lun, _ := s.Bound()
	if s.release() {
		s.metrics.RecordBind(context.Background(), lun, false, time.Since(start), nil)
		s.stats.TrackOperation(stats.OpUnbind)
		s.logger.Info("unbound lun %d", lun)
	}
	return nil
}

// GetLayoutInfo reports the layout of the bound LUN.
func (s *Service) GetLayoutInfo() (layout.Info, error) {
	_, lun, err := s.bound()
	if err != nil {
		return layout.Info{}, err
	}
	return s.layout.Info(lun), nil
}

// EntryInfo describes a committed entry.
type EntryInfo struct {
	ID     layout.EntryID
	Exists bool
	Sector layout.SectorType
	Slot   uint32
}

// GetEntryInfo reports whether id names a committed entry and where it lives.
func (s *Service) GetEntryInfo(id layout.EntryID) (EntryInfo, error) {
	st, _, err := s.bound()
	if err != nil {
		return EntryInfo{}, err
	}
	info := EntryInfo{ID: id, Sector: id.Sector()}
	info.Slot, info.Exists = st.Lookup(id)
	return info, nil
}

// AddHook arms a commit hook.
func (s *Service) AddHook(point store.HookPoint, action store.HookAction) error {
	return s.hooks.Add(point, action)
}

// RemoveHook disarms a commit hook, releasing any commit waiting on it.
func (s *Service) RemoveHook(point store.HookPoint) {
	s.hooks.Remove(point)
}

// ReleaseHook lets a commit waiting at point continue.
func (s *Service) ReleaseHook(point store.HookPoint) error {
	return s.hooks.Release(point)
}

// HookReached returns a channel closed once a commit arrives at point.
func (s *Service) HookReached(point store.HookPoint) <-chan struct{} {
	return s.hooks.Reached(point)
}

// Stats returns the operation counters plus the service state.
func (s *Service) Stats() map[string]interface{} {
	out := s.stats.GetStats()
	lun, bound := s.Bound()
	out["bound"] = bound
	if bound {
		out["lun"] = lun
	}
	out["open_transactions"] = s.txs.Len()
	out["queue_depth"] = len(s.queue)
	if st, _, err := s.bound(); err == nil {
		out["commit_sequence"] = st.CommitSequence()
	}
	return out
}

// track records a finished operation in the stats collector.
func (s *Service) track(op stats.OperationType, start time.Time, err error) {
	s.stats.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError(string(op) + "_" + status.Name(err))
	}
}

// Close stops the dispatcher and releases the bound LUN. A job already
// running completes; every job still queued is failed with
// ErrServiceClosed. Open transactions are aborted.
func (s *Service) Close() error {
	s.queueMu.Lock()
	if s.closed.Load() {
		s.queueMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.stopping.Store(true)
	close(s.queue)
	s.queueMu.Unlock()

	// A commit parked on a wait hook would otherwise never return.
	for _, p := range []store.HookPoint{store.HookAfterJournalWrite, store.HookAfterJournalSeal, store.HookAfterLiveWrite} {
		s.hooks.Remove(p)
	}
	<-s.done

	if n := s.txs.AbortAll(); n > 0 {
		s.logger.Info("aborted %d open transactions on close", n)
	}
	s.release()
	s.metrics.Close()
	s.storeMetrics.Close()
	s.txMetrics.Close()
	s.logger.Info("persistence service closed")
	return nil
}
