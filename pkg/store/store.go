// Package store keeps persistence entries on a block volume.
//
// A Store owns one bound volume: the db header, the journal and the sector
// regions computed by pkg/layout. Commits are written to the journal first,
// sealed by the db header, then copied to their live slots, so that a crash
// at any point leaves either the whole transaction or none of it visible
// once the volume is opened again.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/persist/pkg/block"
	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/config"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/stats"
	"github.com/KevoDB/persist/pkg/telemetry"
	"github.com/KevoDB/persist/pkg/transaction"
)

// scanBatch is the number of slots read per device call while scanning.
const scanBatch = 64

// Options configures a Store. Zero values select no-op collaborators.
type Options struct {
	SyncMode config.SyncMode
	Logger   log.Logger
	Metrics  Metrics
	Stats    stats.Collector
	Hooks    *Hooks
}

// Entry is one slot as read from the volume. A free slot has a zero ID and no data.
type Entry struct {
	ID      layout.EntryID
	Slot    uint32
	Data    []byte
	IDOnTop bool
}

// CommitResult describes an applied transaction.
type CommitResult struct {
	// Sequence is the commit sequence recorded in the db header.
	Sequence uint64
	// Assigned maps each staged write's provisional ID to its final ID.
	Assigned map[layout.EntryID]layout.EntryID
	// Written lists the final IDs of the writes in staging order.
	Written []layout.EntryID
	// Deleted lists the entries removed by the commit.
	Deleted []layout.EntryID
}

// RecoveryInfo summarizes the work done by Open.
type RecoveryInfo struct {
	Formatted       bool
	JournalReplayed int
	SlotsScanned    uint64
	LiveEntries     uint64
	CorruptSlots    uint64
}

// Store is the committed state of one volume. Reads and commits are
// serialized; the accessors used to validate staged operations may be
// called from any goroutine.
type Store struct {
	vol    *block.Volume
	layout *layout.Layout
	opts   Options
	logger log.Logger

	// ioMu serializes commits and reads
	ioMu sync.Mutex

	mu       sync.RWMutex
	header   dbHeader
	bitmaps  [layout.SectorLast]*bitmap
	index    map[layout.EntryID]uint32
	degraded error
	closed   bool
	recovery RecoveryInfo
}

// Open binds a store to vol. A blank volume is formatted; a volume with a
// sealed journal is rolled forward; every sector region is then scanned to
// rebuild the slot bitmaps and the entry index.
func Open(ctx context.Context, vol *block.Volume, lay *layout.Layout, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.Component("store")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopMetrics()
	}
	if vol.Blocks() < lay.RequiredBlocks() {
		return nil, fmt.Errorf("%w: %d blocks, need %d", ErrVolumeTooSmall, vol.Blocks(), lay.RequiredBlocks())
	}

	s := &Store{
		vol:    vol,
		layout: lay,
		opts:   opts,
		logger: opts.Logger,
		index:  make(map[layout.EntryID]uint32),
	}
	for _, t := range layout.Sectors() {
		s.bitmaps[t] = newBitmap(lay.SectorEntries(t))
	}

	var recoveryStart time.Time
	if opts.Stats != nil {
		recoveryStart = opts.Stats.StartRecovery()
	}

	if err := s.loadHeader(ctx); err != nil {
		return nil, err
	}
	if s.header.journalSealed() {
		if err := s.replay(ctx); err != nil {
			return nil, fmt.Errorf("failed to replay journal: %w", err)
		}
	}
	if err := s.scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to scan volume: %w", err)
	}

	if opts.Stats != nil {
		opts.Stats.FinishRecovery(recoveryStart, uint64(s.recovery.JournalReplayed),
			s.recovery.SlotsScanned, s.recovery.CorruptSlots)
	}
	s.logger.Info("opened volume: %d live entries, commit sequence %d", s.recovery.LiveEntries, s.header.CommitSequence)
	return s, nil
}

func (s *Store) loadHeader(ctx context.Context) error {
	buf, err := s.vol.Read(ctx, s.layout.HeaderLBA(), 1)
	if err != nil {
		return fmt.Errorf("failed to read db header: %w", err)
	}
	h, blank, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if blank {
		h = newHeader(s.layout.Fingerprint())
		if err := s.writeHeader(ctx, &h); err != nil {
			return fmt.Errorf("failed to format volume: %w", err)
		}
		if err := s.sync(ctx); err != nil {
			return err
		}
		s.recovery.Formatted = true
		s.logger.Info("formatted blank volume (%d blocks)", s.layout.TotalBlocks())
	} else if h.Fingerprint != s.layout.Fingerprint() {
		return fmt.Errorf("%w: volume %x, configured %x", ErrLayoutMismatch, h.Fingerprint, s.layout.Fingerprint())
	}
	s.header = h
	return nil
}

func (s *Store) writeHeader(ctx context.Context, h *dbHeader) error {
	return s.vol.Write(ctx, s.layout.HeaderLBA(), h.encode())
}

func (s *Store) sync(ctx context.Context) error {
	if s.opts.SyncMode != config.SyncCommit {
		return nil
	}
	start := time.Now()
	if err := s.vol.Sync(); err != nil {
		return fmt.Errorf("failed to sync volume: %w", err)
	}
	s.opts.Metrics.RecordSync(ctx, time.Since(start))
	return nil
}

// replay copies a sealed journal to its live slots and invalidates it.
func (s *Store) replay(ctx context.Context) error {
	start := time.Now()
	count := int(s.header.JournalCount)
	if count > s.layout.MaxTransactionEntries() {
		return fmt.Errorf("%w: %d elements", ErrCorruptJournal, count)
	}

	bpe := int(s.layout.BlocksPerEntry())
	for i := 0; i < count; i++ {
		buf, err := s.vol.Read(ctx, s.layout.JournalElementLBA(i), bpe)
		if err != nil {
			return err
		}
		e, err := decodeElement(s.layout, buf)
		if err != nil {
			s.opts.Metrics.RecordCorruption(ctx, "journal")
			return err
		}
		if err := s.writeLive(ctx, &e); err != nil {
			return err
		}
	}

	h := s.header
	h.JournalState = journalInvalid
	h.JournalCount = 0
	if err := s.writeHeader(ctx, &h); err != nil {
		return err
	}
	if err := s.sync(ctx); err != nil {
		return err
	}
	s.header = h
	s.recovery.JournalReplayed = count
	s.opts.Metrics.RecordReplay(ctx, time.Since(start), count)
	s.logger.Warn("rolled forward %d journal elements of commit %d", count, h.CommitSequence)
	return nil
}

// scan rebuilds the bitmaps and the index from the sector regions.
func (s *Store) scan(ctx context.Context) error {
	start := time.Now()
	bpe := int(s.layout.BlocksPerEntry())
	slotBytes := bpe * layout.BlockDataSize

	for _, t := range layout.Sectors() {
		entries := s.layout.SectorEntries(t)
		for first := uint32(0); first < entries; first += scanBatch {
			n := entries - first
			if n > scanBatch {
				n = scanBatch
			}
			lba, _ := s.layout.EntryLBA(t, first)
			buf, err := s.vol.Read(ctx, lba, int(n)*bpe)
			if err != nil {
				return err
			}
			for i := uint32(0); i < n; i++ {
				slot := first + i
				rec := decodeRecordHeader(buf[int(i)*slotBytes:])
				s.recovery.SlotsScanned++
				if rec.EntryID == layout.EntryIDInvalid {
					continue
				}
				if reason := s.checkSlot(t, slot, &rec); reason != "" {
					s.recovery.CorruptSlots++
					s.opts.Metrics.RecordCorruption(ctx, reason)
					s.logger.WithFields(map[string]interface{}{
						"sector": t.String(),
						"slot":   slot,
					}).Warn("ignoring slot: %s", reason)
					continue
				}
				s.bitmaps[t].set(slot)
				s.index[rec.EntryID] = slot
			}
		}
		s.recovery.LiveEntries += uint64(s.bitmaps[t].count)
		if s.opts.Stats != nil {
			s.opts.Stats.TrackLiveEntries(t.String(), uint64(s.bitmaps[t].count))
		}
	}

	s.opts.Metrics.RecordScan(ctx, time.Since(start), int(s.recovery.LiveEntries), int(s.recovery.CorruptSlots))
	return nil
}

func (s *Store) checkSlot(t layout.SectorType, slot uint32, rec *recordHeader) string {
	switch {
	case rec.EntryID.Sector() != t || rec.Sector != t:
		return "sector tag mismatch"
	case rec.Slot != slot:
		return "slot mismatch"
	case uint64(rec.EntryID.Sequence()) >= s.header.NextSequence[t]:
		return "sequence beyond counter"
	case int(rec.Length) > s.layout.EntryCapacity():
		return "length beyond capacity"
	}
	if _, dup := s.index[rec.EntryID]; dup {
		return "duplicate entry id"
	}
	return ""
}

func (s *Store) writeLive(ctx context.Context, e *element) error {
	lba, err := s.layout.EntryLBA(e.rec.Sector, e.rec.Slot)
	if err != nil {
		return err
	}
	return s.vol.Write(ctx, lba, e.encode(s.layout))
}

// usable reports why the store cannot serve requests, if it cannot.
func (s *Store) usable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.degraded != nil {
		return fmt.Errorf("%w: %v", ErrDegraded, s.degraded)
	}
	return nil
}

// plan resolves staged operations into slot updates.
func (s *Store) plan(ops []*transaction.Operation) ([]element, dbHeader, *CommitResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := s.header
	result := &CommitResult{Assigned: make(map[layout.EntryID]layout.EntryID)}
	reserved := make(map[layout.SectorType]map[uint32]struct{})
	elements := make([]element, 0, len(ops))

	for _, op := range ops {
		switch op.Kind {
		case transaction.OpWrite:
			t := op.Sector
			if !t.Valid() {
				return nil, next, nil, fmt.Errorf("%w: %d", layout.ErrInvalidSectorType, uint32(t))
			}
			seq := next.NextSequence[t]
			if seq > layout.MaxSequence {
				return nil, next, nil, fmt.Errorf("%w: %s", transaction.ErrSequenceExhausted, t)
			}
			if reserved[t] == nil {
				reserved[t] = make(map[uint32]struct{})
			}
			slot, ok := s.bitmaps[t].firstFree(reserved[t])
			if !ok {
				return nil, next, nil, fmt.Errorf("%w: %s", transaction.ErrSectorFull, t)
			}
			reserved[t][slot] = struct{}{}
			next.NextSequence[t]++

			id := layout.MakeEntryID(t, uint32(seq))
			result.Assigned[op.ID] = id
			result.Written = append(result.Written, id)

			e := element{rec: recordHeader{EntryID: id, Op: transaction.OpWrite, Sector: t, Slot: slot}}
			if op.IDOnTop {
				e.rec.Flags |= flagIDOnTop
				e.payload = make([]byte, transaction.IDPrefixSize+len(op.Data))
				putEntryID(e.payload, id)
				copy(e.payload[transaction.IDPrefixSize:], op.Data)
			} else {
				e.payload = op.Data
			}
			e.rec.Length = uint32(len(e.payload))
			elements = append(elements, e)

		case transaction.OpModify, transaction.OpDelete:
			slot, ok := s.index[op.ID]
			if !ok {
				return nil, next, nil, fmt.Errorf("%w: %s", ErrEntryNotFound, op.ID)
			}
			e := element{
				rec:     recordHeader{EntryID: op.ID, Op: op.Kind, Sector: op.ID.Sector(), Slot: slot},
				payload: op.Data,
			}
			e.rec.Length = uint32(len(op.Data))
			if op.Kind == transaction.OpDelete {
				result.Deleted = append(result.Deleted, op.ID)
			}
			elements = append(elements, e)

		default:
			return nil, next, nil, fmt.Errorf("%w: unknown op %d", status.ErrTransactionState, op.Kind)
		}
	}

	for i := range elements {
		if int(elements[i].rec.Length) > s.layout.EntryCapacity() {
			return nil, next, nil, fmt.Errorf("%w: %d bytes", transaction.ErrEntryTooLarge, elements[i].rec.Length)
		}
	}

	next.CommitSequence++
	result.Sequence = next.CommitSequence
	return elements, next, result, nil
}

// Commit durably applies ops as one unit and assigns final entry IDs.
func (s *Store) Commit(ctx context.Context, ops []*transaction.Operation) (result CommitResult, err error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	start := time.Now()
	var written int64
	elements := 0
	defer func() {
		s.opts.Metrics.RecordCommit(ctx, time.Since(start), elements, written, err)
	}()

	if err := s.usable(); err != nil {
		return CommitResult{}, err
	}
	if len(ops) == 0 {
		return CommitResult{Assigned: map[layout.EntryID]layout.EntryID{}}, nil
	}
	if len(ops) > s.layout.MaxTransactionEntries() {
		return CommitResult{}, fmt.Errorf("%w: %d operations", transaction.ErrTransactionFull, len(ops))
	}

	plan, sealed, res, err := s.plan(ops)
	if err != nil {
		return CommitResult{}, err
	}
	elements = len(plan)

	// Journal. A failure here leaves the live regions and the header untouched.
	bpe := int(s.layout.BlocksPerEntry()) * layout.BlockDataSize
	journal := make([]byte, 0, len(plan)*bpe)
	for i := range plan {
		journal = append(journal, plan[i].encodeJournal(s.layout)...)
		written += int64(len(plan[i].payload))
	}
	if err := s.vol.Write(ctx, s.layout.JournalLBA(), journal); err != nil {
		return CommitResult{}, fmt.Errorf("failed to write journal: %w", err)
	}
	if err := s.sync(ctx); err != nil {
		return CommitResult{}, err
	}
	if err := s.fireHook(ctx, HookAfterJournalWrite); err != nil {
		return CommitResult{}, err
	}

	// Seal. From here on the transaction survives a crash.
	sealed.JournalState = journalValid
	sealed.JournalCount = uint32(len(plan))
	if err := s.writeHeader(ctx, &sealed); err != nil {
		return CommitResult{}, s.degrade(fmt.Errorf("failed to seal journal: %w", err))
	}
	if err := s.sync(ctx); err != nil {
		return CommitResult{}, s.degrade(err)
	}
	if err := s.fireHook(ctx, HookAfterJournalSeal); err != nil {
		return CommitResult{}, s.degrade(err)
	}

	for i := range plan {
		if err := s.writeLive(ctx, &plan[i]); err != nil {
			return CommitResult{}, s.degrade(fmt.Errorf("failed to write slot: %w", err))
		}
	}
	if err := s.fireHook(ctx, HookAfterLiveWrite); err != nil {
		return CommitResult{}, s.degrade(err)
	}

	done := sealed
	done.JournalState = journalInvalid
	done.JournalCount = 0
	if err := s.writeHeader(ctx, &done); err != nil {
		return CommitResult{}, s.degrade(fmt.Errorf("failed to invalidate journal: %w", err))
	}
	if err := s.sync(ctx); err != nil {
		return CommitResult{}, s.degrade(err)
	}

	s.apply(plan, done)
	if s.opts.Stats != nil {
		s.opts.Stats.TrackBytes(true, uint64(written))
	}
	return *res, nil
}

func (s *Store) fireHook(ctx context.Context, point HookPoint) error {
	action, err := s.opts.Hooks.fire(ctx, point)
	if action != 0 {
		s.opts.Metrics.RecordHook(ctx, point, action)
		s.logger.WithField(telemetry.AttrHookPoint, point.String()).Info("commit reached %s hook", action)
	}
	if err != nil && action == HookCrash {
		// A crashed process does no further I/O.
		s.mu.Lock()
		s.degraded = err
		s.mu.Unlock()
	}
	return err
}

// degrade marks the store unusable after a failure past the journal seal.
func (s *Store) degrade(err error) error {
	s.mu.Lock()
	if s.degraded == nil {
		s.degraded = err
	}
	s.mu.Unlock()
	s.logger.Error("commit failed after journal seal, store degraded: %v", err)
	if status.KindOf(err) == status.ErrIO {
		return err
	}
	return fmt.Errorf("%w: %v", status.ErrIO, err)
}

// apply publishes a completed commit to the in-memory state.
func (s *Store) apply(plan []element, h dbHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range plan {
		rec := &plan[i].rec
		switch rec.Op {
		case transaction.OpWrite:
			s.bitmaps[rec.Sector].set(rec.Slot)
			s.index[rec.EntryID] = rec.Slot
		case transaction.OpDelete:
			s.bitmaps[rec.Sector].clear(rec.Slot)
			delete(s.index, rec.EntryID)
		}
	}
	s.header = h
	if s.opts.Stats != nil {
		for _, t := range layout.Sectors() {
			s.opts.Stats.TrackLiveEntries(t.String(), uint64(s.bitmaps[t].count))
		}
	}
}

// ReadSlots reads up to n consecutive slots of sector t starting at first.
// Free slots are returned with a zero ID.
func (s *Store) ReadSlots(ctx context.Context, t layout.SectorType, first uint32, n int) (entries []Entry, err error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	start := time.Now()
	defer func() {
		s.opts.Metrics.RecordRead(ctx, telemetry.OpTypeReadSector, time.Since(start), len(entries), err)
	}()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", layout.ErrInvalidSectorType, uint32(t))
	}
	total := s.layout.SectorEntries(t)
	if first >= total {
		return nil, nil
	}
	if rest := int(total - first); n > rest {
		n = rest
	}

	s.mu.RLock()
	used := make([]bool, n)
	for i := range used {
		used[i] = s.bitmaps[t].get(first + uint32(i))
	}
	s.mu.RUnlock()

	entries = make([]Entry, n)
	for i := range entries {
		slot := first + uint32(i)
		entries[i].Slot = slot
		if !used[i] {
			continue
		}
		e, err := s.readSlot(ctx, t, slot)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

func (s *Store) readSlot(ctx context.Context, t layout.SectorType, slot uint32) (Entry, error) {
	lba, err := s.layout.EntryLBA(t, slot)
	if err != nil {
		return Entry{}, err
	}
	buf, err := s.vol.Read(ctx, lba, int(s.layout.BlocksPerEntry()))
	if err != nil {
		return Entry{}, err
	}
	rec := decodeRecordHeader(buf)
	if rec.EntryID.Sector() != t || rec.Slot != slot || int(rec.Length) > s.layout.EntryCapacity() {
		s.opts.Metrics.RecordCorruption(ctx, "slot header")
		return Entry{}, fmt.Errorf("%w: %s slot %d", ErrCorruptEntry, t, slot)
	}
	data := make([]byte, rec.Length)
	copy(data, buf[layout.BlockDataSize:])
	return Entry{ID: rec.EntryID, Slot: slot, Data: data, IDOnTop: rec.Flags&flagIDOnTop != 0}, nil
}

// ReadEntry reads the committed entry id.
func (s *Store) ReadEntry(ctx context.Context, id layout.EntryID) (entry Entry, err error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	start := time.Now()
	defer func() {
		n := 0
		if err == nil {
			n = 1
		}
		s.opts.Metrics.RecordRead(ctx, telemetry.OpTypeReadEntry, time.Since(start), n, err)
	}()

	if err := s.usable(); err != nil {
		return Entry{}, err
	}
	slot, ok := s.Lookup(id)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry, err = s.readSlot(ctx, id.Sector(), slot)
	if err != nil {
		return Entry{}, err
	}
	if entry.ID != id {
		return Entry{}, fmt.Errorf("%w: slot %d holds %s, expected %s", ErrCorruptEntry, slot, entry.ID, id)
	}
	return entry, nil
}

// Lookup returns the slot holding the committed entry id.
func (s *Store) Lookup(id layout.EntryID) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.index[id]
	return slot, ok
}

// Contains reports whether id names a committed, undeleted entry.
func (s *Store) Contains(id layout.EntryID) bool {
	_, ok := s.Lookup(id)
	return ok
}

// Layout returns the layout the store was opened with.
func (s *Store) Layout() *layout.Layout { return s.layout }

// EntryCapacity is the largest payload one entry can hold.
func (s *Store) EntryCapacity() int { return s.layout.EntryCapacity() }

// MaxTransactionEntries is the journal's element limit.
func (s *Store) MaxTransactionEntries() int { return s.layout.MaxTransactionEntries() }

// SectorEntries is the slot count of sector t.
func (s *Store) SectorEntries(t layout.SectorType) uint32 { return s.layout.SectorEntries(t) }

// LiveEntries is the number of committed entries in sector t.
func (s *Store) LiveEntries(t layout.SectorType) uint32 {
	if !t.Valid() {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bitmaps[t].count
}

// NextSequence is the sequence the next write committed to t receives.
func (s *Store) NextSequence(t layout.SectorType) uint64 {
	if !t.Valid() {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.NextSequence[t]
}

// CommitSequence is the number of transactions committed to the volume.
func (s *Store) CommitSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.CommitSequence
}

// Recovery reports what Open found on the volume.
func (s *Store) Recovery() RecoveryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovery
}

// Degraded returns the failure that left the store unusable, if any.
func (s *Store) Degraded() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Close releases the store. A commit already in progress runs to its end;
// every later call fails with ErrStoreClosed. The volume itself stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

var _ transaction.Volume = (*Store)(nil)
