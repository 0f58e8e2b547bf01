package persist

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/config"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/store"
	"github.com/KevoDB/persist/pkg/transaction"
	"github.com/KevoDB/persist/pkg/volume"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testLUN = volume.SystemLUNID

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.MaxTransactionEntries = 16
	cfg.JournalTransactions = 1
	cfg.MaxReadEntries = 5
	cfg.QueueDepth = 8
	for _, t := range layout.Sectors() {
		cfg.SectorEntries[t.String()] = 16
	}
	cfg.SectorEntries[layout.SectorSEPObjects.String()] = 64
	cfg.SectorEntries[layout.SectorSEPEdges.String()] = 64
	cfg.SectorEntries[layout.SectorDIEHRecord.String()] = 8
	return cfg
}

type testEnv struct {
	t       *testing.T
	cfg     *config.Config
	volumes *volume.Manager
	svc     *Service
}

func newService(t *testing.T, cfg *config.Config, volumes *volume.Manager) *Service {
	t.Helper()
	svc, err := New(cfg, volumes, Options{Logger: log.NewNopLogger()})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// newTestEnv creates a service bound to a fresh in-memory LUN.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testConfig())
}

func newTestEnvWith(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	volumes := volume.NewManager()
	t.Cleanup(func() { volumes.Close() })

	svc := newService(t, cfg, volumes)
	if _, err := volumes.Create(testLUN, svc.RequiredLUNSize()); err != nil {
		t.Fatalf("failed to create lun: %v", err)
	}
	env := &testEnv{t: t, cfg: cfg, volumes: volumes, svc: svc}
	env.bind()
	return env
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) bind() {
	e.t.Helper()
	if err := e.svc.Bind(testContext(e.t), testLUN); err != nil {
		e.t.Fatalf("failed to bind lun: %v", err)
	}
}

func (e *testEnv) commitWrites(t layout.SectorType, payloads ...[]byte) CommitResult {
	e.t.Helper()
	h, err := e.svc.StartTransaction()
	if err != nil {
		e.t.Fatalf("start failed: %v", err)
	}
	for _, p := range payloads {
		if _, err := e.svc.WriteEntry(h, t, p); err != nil {
			e.t.Fatalf("write failed: %v", err)
		}
	}
	res, err := e.svc.Commit(testContext(e.t), h)
	if err != nil {
		e.t.Fatalf("commit failed: %v", err)
	}
	return res
}

// scan returns every live entry of sector t.
func (e *testEnv) scan(t layout.SectorType) []Entry {
	e.t.Helper()
	var out []Entry
	err := e.svc.ScanSector(testContext(e.t), t, func(en Entry) error {
		out = append(out, en)
		return nil
	})
	if err != nil {
		e.t.Fatalf("scan of %s failed: %v", t, err)
	}
	return out
}

func payload(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestScenario(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	h, err := svc.StartTransaction()
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	id, err := svc.WriteEntry(h, layout.SectorSEPObjects, payload(100, 1))
	if err != nil || id != 0x100000000 {
		t.Fatalf("expected 0x100000000, got %s (%v)", id, err)
	}
	id, err = svc.WriteEntry(h, layout.SectorSEPEdges, payload(560, 2))
	if err != nil || id != 0x200000000 {
		t.Fatalf("expected 0x200000000, got %s (%v)", id, err)
	}
	if _, err := svc.WriteEntry(h, layout.SectorSystemGlobalData, payload(2048, 3)); err != nil {
		t.Fatalf("a full-capacity write should succeed: %v", err)
	}
	_, err = svc.WriteEntry(h, layout.SectorESPObjects, payload(2049, 4))
	if !errors.Is(err, status.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	if err := svc.AbortTransaction(h); err != nil {
		t.Fatalf("abort failed: %v", err)
	}
	for _, sector := range layout.Sectors() {
		if got := env.scan(sector); len(got) != 0 {
			t.Errorf("%s: aborted entries visible: %d", sector, len(got))
		}
	}
	if err := svc.AbortTransaction(h); !errors.Is(err, status.ErrTransactionState) {
		t.Errorf("reusing an aborted handle should fail, got %v", err)
	}

	// Nothing was consumed by the aborted transaction.
	res := env.commitWrites(layout.SectorSEPObjects, []byte("first"))
	if res.Written[0] != 0x100000000 {
		t.Errorf("expected 0x100000000 after abort, got %s", res.Written[0])
	}
}

func TestEntryIDsRollOverTransactions(t *testing.T) {
	env := newTestEnv(t)
	max := int(env.cfg.MaxTransactionEntries)

	var last layout.EntryID
	for round := 0; round < 2; round++ {
		payloads := make([][]byte, max)
		for i := range payloads {
			payloads[i] = []byte{byte(round), byte(i)}
		}
		res := env.commitWrites(layout.SectorSEPEdges, payloads...)
		for i, id := range res.Written {
			if id.Sector() != layout.SectorSEPEdges {
				t.Fatalf("id %s carries the wrong tag", id)
			}
			if id <= last && !(round == 0 && i == 0) {
				t.Fatalf("ids not increasing: %s after %s", id, last)
			}
			last = id
		}
	}
	want := layout.EntryID(0x200000000 | uint64(2*max-1))
	if last != want {
		t.Errorf("expected last id %s, got %s", want, last)
	}
}

func TestTransactionLimits(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	h, _ := svc.StartTransaction()
	for i := 0; i < 8; i++ {
		if _, err := svc.WriteEntry(h, layout.SectorDIEHRecord, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if _, err := svc.WriteEntry(h, layout.SectorDIEHRecord, []byte{9}); !errors.Is(err, transaction.ErrSectorFull) {
		t.Fatalf("expected ErrSectorFull, got %v", err)
	}
	for i := 8; i < 16; i++ {
		if _, err := svc.WriteEntry(h, layout.SectorScratchPad, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if _, err := svc.WriteEntry(h, layout.SectorScratchPad, []byte{17}); !errors.Is(err, transaction.ErrTransactionFull) {
		t.Fatalf("expected ErrTransactionFull, got %v", err)
	}

	// Capacity failures leave the transaction usable.
	res, err := svc.Commit(testContext(t), h)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(res.Written) != 16 {
		t.Errorf("expected 16 written, got %d", len(res.Written))
	}
}

func TestDurableAcrossRebind(t *testing.T) {
	env := newTestEnv(t)

	var payloads [][]byte
	for i := 0; i < 10; i++ {
		payloads = append(payloads, payload(10+i*100, byte(i)))
	}
	res := env.commitWrites(layout.SectorESPObjects, payloads...)
	before := env.scan(layout.SectorESPObjects)

	if err := env.svc.UnsetLUN(); err != nil {
		t.Fatalf("unset failed: %v", err)
	}
	if _, ok := env.svc.Bound(); ok {
		t.Fatalf("service still bound")
	}
	env.bind()

	after := env.scan(layout.SectorESPObjects)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("entries changed across rebind (-before +after):\n%s", diff)
	}
	if len(after) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(after))
	}
	for i, e := range after {
		if e.ID != res.Written[i] || !bytes.Equal(e.Data, payloads[i]) {
			t.Errorf("entry %d mismatch: %s", i, e.ID)
		}
	}
}

func TestDurableOnFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.lun")
	cfg := testConfig()

	volumes := volume.NewManager()
	svc := newService(t, cfg, volumes)
	if _, err := volumes.CreateFile(testLUN, path, svc.RequiredLUNSize()); err != nil {
		t.Fatalf("failed to create file lun: %v", err)
	}
	if err := svc.Bind(testContext(t), testLUN); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	id, err := svc.WriteSingle(testContext(t), layout.SectorSystemGlobalData, []byte("survives"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	svc.Close()
	volumes.Close()

	volumes = volume.NewManager()
	defer volumes.Close()
	svc = newService(t, cfg, volumes)
	if _, err := volumes.CreateFile(testLUN, path, svc.RequiredLUNSize()); err != nil {
		t.Fatalf("failed to reopen file lun: %v", err)
	}
	if err := svc.Bind(testContext(t), testLUN); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	buf := make([]byte, 64)
	n, err := svc.ReadEntry(testContext(t), id, buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "survives" {
		t.Errorf("unexpected payload %q", buf[:n])
	}
}

func TestDeleteVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	res := env.commitWrites(layout.SectorScratchPad, []byte("a"), []byte("b"), []byte("c"))
	victim := res.Written[1]

	if err := env.svc.DeleteSingle(ctx, victim); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := env.svc.ReadEntry(ctx, victim, make([]byte, 16)); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
	if err := env.svc.DeleteSingle(ctx, victim); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("second delete should fail with not-found, got %v", err)
	}

	recSize := env.svc.Layout().ReadEntrySize()
	buf := make([]byte, 3*recSize)
	_, count, err := env.svc.ReadSectorPage(ctx, layout.SectorScratchPad, buf, layout.CursorStart)
	if err != nil || count != 3 {
		t.Fatalf("read failed: count %d err %v", count, err)
	}
	if h := ReadUserHeader(buf[recSize:]); h != (UserHeader{}) {
		t.Errorf("deleted slot should have a zeroed header, got %+v", h)
	}
	if h := ReadUserHeader(buf[2*recSize:]); h.EntryID != res.Written[2] || h.Length != 1 {
		t.Errorf("neighbour slot disturbed: %+v", h)
	}

	info, err := env.svc.GetEntryInfo(victim)
	if err != nil || info.Exists {
		t.Errorf("entry info should report a missing entry: %+v %v", info, err)
	}
}

func TestPagedReadCompleteness(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	res := env.commitWrites(layout.SectorESPObjects, []byte("x"), []byte("y"), []byte("z"))

	recSize := env.svc.Layout().ReadEntrySize()
	// Larger than MaxReadEntries records so the configured cap limits the page.
	buf := make([]byte, 8*recSize)
	cursor := layout.CursorStart
	slots, pages := 0, 0
	seen := make(map[layout.EntryID]bool)
	for {
		next, count, err := env.svc.ReadSectorPage(ctx, layout.SectorESPObjects, buf, cursor)
		if err != nil {
			t.Fatalf("page %d failed: %v", pages, err)
		}
		pages++
		if count > env.cfg.MaxReadEntries {
			t.Fatalf("page of %d entries exceeds the limit", count)
		}
		for i := 0; i < count; i++ {
			h := ReadUserHeader(buf[i*recSize:])
			if h.EntryID == layout.EntryIDInvalid {
				continue
			}
			if seen[h.EntryID] {
				t.Fatalf("entry %s returned twice", h.EntryID)
			}
			seen[h.EntryID] = true
		}
		slots += count
		if next == layout.CursorEnd {
			break
		}
		if next.Sector() != layout.SectorESPObjects {
			t.Fatalf("cursor %s carries the wrong sector", next)
		}
		cursor = next
	}

	if slots != 16 || pages != 4 {
		t.Errorf("expected 16 slots in 4 pages, got %d in %d", slots, pages)
	}
	if len(seen) != len(res.Written) {
		t.Errorf("expected %d live entries, got %d", len(res.Written), len(seen))
	}
}

func TestReadSectorRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	noop := func(layout.Cursor, int, error) { t.Error("callback must not run for a rejected request") }

	small := make([]byte, env.svc.Layout().ReadEntrySize()-1)
	if err := env.svc.ReadSector(layout.SectorSEPObjects, small, layout.CursorStart, noop); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("expected ErrBufferTooSmall, got %v", err)
	}

	buf := make([]byte, env.svc.Layout().ReadEntrySize())
	cursor := layout.MakeCursor(layout.SectorSEPEdges, 3)
	if err := env.svc.ReadSector(layout.SectorSEPObjects, buf, cursor, noop); !errors.Is(err, ErrCursorSector) {
		t.Errorf("expected ErrCursorSector, got %v", err)
	}
	if err := env.svc.ReadSector(layout.SectorInvalid, buf, layout.CursorStart, noop); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestReadEntryShortBuffer(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	id, err := env.svc.WriteSingle(ctx, layout.SectorSEPObjects, payload(300, 7))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := env.svc.ReadEntry(ctx, id, make([]byte, 299)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
	n, err := env.svc.ReadEntry(ctx, id, make([]byte, 300))
	if err != nil || n != 300 {
		t.Errorf("expected 300 bytes, got %d (%v)", n, err)
	}
}

func TestIDOnTopHoldsFinalID(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	svc := env.svc

	// Two open transactions receive the same provisional ID.
	h1, _ := svc.StartTransaction()
	h2, _ := svc.StartTransaction()
	p1, _ := svc.WriteEntryWithAutoEntryIDOnTop(h1, layout.SectorSEPObjects, []byte("one"))
	p2, _ := svc.WriteEntryWithAutoEntryIDOnTop(h2, layout.SectorSEPObjects, []byte("two"))
	if p1 != p2 {
		t.Fatalf("expected equal provisional ids, got %s and %s", p1, p2)
	}

	if _, err := svc.Commit(ctx, h1); err != nil {
		t.Fatalf("commit 1 failed: %v", err)
	}
	res, err := svc.Commit(ctx, h2)
	if err != nil {
		t.Fatalf("commit 2 failed: %v", err)
	}
	final := res.Assigned[p2]
	if final != 0x100000001 {
		t.Fatalf("expected final id 0x100000001, got %s", final)
	}

	buf := make([]byte, 64)
	n, err := svc.ReadEntry(ctx, final, buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := layout.EntryID(binary.LittleEndian.Uint64(buf)); got != final {
		t.Errorf("prefix holds %s, want %s", got, final)
	}
	if string(buf[transaction.IDPrefixSize:n]) != "two" {
		t.Errorf("unexpected payload %q", buf[transaction.IDPrefixSize:n])
	}
}

func TestModifySingleEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	id, err := env.svc.WriteSingle(ctx, layout.SectorSystemGlobalData, []byte("v1"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := env.svc.ModifySingle(ctx, id, []byte("version two")); err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	buf := make([]byte, 64)
	n, _ := env.svc.ReadEntry(ctx, id, buf)
	if string(buf[:n]) != "version two" {
		t.Errorf("unexpected payload %q", buf[:n])
	}

	if err := env.svc.ModifySingle(ctx, 0x500000099, []byte("x")); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
	if _, err := env.svc.WriteSingle(ctx, layout.SectorSystemGlobalData, payload(4096, 1)); !errors.Is(err, status.ErrCapacity) {
		t.Errorf("expected capacity error, got %v", err)
	}
	if env.svc.txs.Len() != 0 {
		t.Errorf("single operations leaked %d transactions", env.svc.txs.Len())
	}
}

func TestValidateEntry(t *testing.T) {
	env := newTestEnv(t)
	committed := env.commitWrites(layout.SectorSEPEdges, []byte("c")).Written[0]

	h, _ := env.svc.StartTransaction()
	staged, _ := env.svc.WriteEntry(h, layout.SectorSEPEdges, []byte("s"))
	if err := env.svc.ValidateEntry(h, staged); err != nil {
		t.Errorf("staged write should validate: %v", err)
	}
	if err := env.svc.ValidateEntry(h, committed); err != nil {
		t.Errorf("committed entry should validate: %v", err)
	}
	env.svc.DeleteEntry(h, committed)
	if err := env.svc.ValidateEntry(h, committed); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("deleted entry should not validate, got %v", err)
	}
	if err := env.svc.ModifyEntry(h, committed, []byte("x")); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("modify of a committed entry through a transaction should fail, got %v", err)
	}
}

func TestUnboundService(t *testing.T) {
	volumes := volume.NewManager()
	defer volumes.Close()
	svc := newService(t, testConfig(), volumes)

	if _, err := svc.StartTransaction(); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
	if _, err := svc.GetLayoutInfo(); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := svc.GetEntryInfo(0x100000000); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
	if _, err := svc.ReadEntry(testContext(t), 0x100000000, make([]byte, 8)); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound from read, got %v", err)
	}

	// Unbound reads are rejected before anything is queued.
	buf := make([]byte, svc.Layout().ReadEntrySize())
	err := svc.ReadSector(layout.SectorSEPObjects, buf, layout.CursorStart, func(layout.Cursor, int, error) {
		t.Errorf("read sector callback ran on an unbound service")
	})
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound from ReadSector, got %v", err)
	}
	err = svc.ReadSingleEntry(0x100000000, buf, func(int, error) {
		t.Errorf("read entry callback ran on an unbound service")
	})
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound from ReadSingleEntry, got %v", err)
	}
	if err := svc.UnsetLUN(); err != nil {
		t.Errorf("unset of an unbound service should succeed, got %v", err)
	}

	if err := svc.SetLUN(42, func(error) {}); !errors.Is(err, volume.ErrLUNNotFound) {
		t.Errorf("expected ErrLUNNotFound, got %v", err)
	}
	volumes.Create(43, svc.RequiredLUNSize()-1)
	if err := svc.SetLUN(43, func(error) {}); !errors.Is(err, ErrLUNTooSmall) {
		t.Errorf("expected ErrLUNTooSmall, got %v", err)
	}
}

func TestUnsetKeepsOpenTransactions(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	h, _ := svc.StartTransaction()
	svc.WriteEntry(h, layout.SectorSEPObjects, []byte("held"))
	svc.UnsetLUN()

	if _, err := svc.Commit(testContext(t), h); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
	env.bind()
	res, err := svc.Commit(testContext(t), h)
	if err != nil {
		t.Fatalf("commit after rebind failed: %v", err)
	}
	if len(res.Written) != 1 {
		t.Errorf("expected the held write to commit")
	}
}

func TestRebindOtherLUNAbortsOpenTransactions(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc
	ctx := testContext(t)

	committed := env.commitWrites(layout.SectorSEPObjects, []byte("old lun")).Written[0]
	h, _ := svc.StartTransaction()
	if err := svc.DeleteEntry(h, committed); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	svc.UnsetLUN()

	const otherLUN = testLUN + 1
	if _, err := env.volumes.Create(otherLUN, svc.RequiredLUNSize()); err != nil {
		t.Fatalf("failed to create lun: %v", err)
	}
	if err := svc.Bind(ctx, otherLUN); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := svc.WriteSingle(ctx, layout.SectorSEPObjects, []byte("new lun")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := svc.Commit(ctx, h); !errors.Is(err, status.ErrTransactionState) {
		t.Fatalf("expected the transaction to be aborted, got %v", err)
	}
	if entries := env.scan(layout.SectorSEPObjects); len(entries) != 1 || string(entries[0].Data) != "new lun" {
		t.Errorf("expected the other lun's entry to survive, got %v", entries)
	}

	// Moving back aborts what was staged on the other LUN; rebinding the
	// same LUN keeps it.
	h, _ = svc.StartTransaction()
	svc.WriteEntry(h, layout.SectorSEPEdges, []byte("kept"))
	svc.UnsetLUN()
	env.bind()
	if _, err := svc.Commit(ctx, h); !errors.Is(err, status.ErrTransactionState) {
		t.Fatalf("expected a transaction staged on lun %x to be aborted, got %v", otherLUN, err)
	}
	h, _ = svc.StartTransaction()
	svc.WriteEntry(h, layout.SectorSEPEdges, []byte("kept"))
	svc.UnsetLUN()
	env.bind()
	if _, err := svc.Commit(ctx, h); err != nil {
		t.Errorf("commit after rebinding the same lun failed: %v", err)
	}
}

func TestConcurrentCommits(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc
	ctx := testContext(t)

	const workers, rounds, perTx = 8, 4, 2
	var (
		mu      sync.Mutex
		results []CommitResult
		wg      sync.WaitGroup
	)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				h, err := svc.StartTransaction()
				if err != nil {
					errs <- err
					return
				}
				for i := 0; i < perTx; i++ {
					if _, err := svc.WriteEntry(h, layout.SectorSEPEdges, []byte{byte(w), byte(r), byte(i)}); err != nil {
						errs <- err
						return
					}
				}
				res, err := svc.Commit(ctx, h)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	// Commit sequences order the results; IDs must rise across them.
	sort.Slice(results, func(i, j int) bool { return results[i].Sequence < results[j].Sequence })
	seen := make(map[layout.EntryID]bool)
	var last layout.EntryID
	for i, res := range results {
		if i > 0 && res.Sequence == results[i-1].Sequence {
			t.Fatalf("commit sequence %d handed out twice", res.Sequence)
		}
		for _, id := range res.Written {
			if id.Sector() != layout.SectorSEPEdges {
				t.Fatalf("id %s carries the wrong tag", id)
			}
			if seen[id] {
				t.Fatalf("id %s assigned twice", id)
			}
			if len(seen) > 0 && id <= last {
				t.Fatalf("ids not increasing: %s after %s", id, last)
			}
			seen[id] = true
			last = id
		}
	}
	if want := workers * rounds * perTx; len(seen) != want {
		t.Errorf("expected %d distinct ids, got %d", want, len(seen))
	}
	if got := len(env.scan(layout.SectorSEPEdges)); got != len(seen) {
		t.Errorf("expected %d live entries, got %d", len(seen), got)
	}
}

func TestLayoutInfo(t *testing.T) {
	env := newTestEnv(t)
	info, err := env.svc.GetLayoutInfo()
	if err != nil {
		t.Fatalf("layout info failed: %v", err)
	}
	if info.LUNObjectID != testLUN {
		t.Errorf("expected lun %x, got %x", testLUN, info.LUNObjectID)
	}
	ordered := []uint64{info.JournalStartLBA, info.SEPObjectsStartLBA, info.SEPEdgesStartLBA,
		info.SEPAdminConversionStartLBA, info.ESPObjectsStartLBA, info.SystemDataStartLBA}
	for i := 1; i < len(ordered); i++ {
		if ordered[i] <= ordered[i-1] {
			t.Errorf("region %d starts at %d, not after %d", i, ordered[i], ordered[i-1])
		}
	}
	if env.svc.RequiredLUNSize() != env.svc.Layout().RequiredBlocks() {
		t.Errorf("required size mismatch")
	}
}

func TestCrashAtomicity(t *testing.T) {
	tests := []struct {
		point   store.HookPoint
		visible bool
	}{
		{store.HookAfterJournalWrite, false},
		{store.HookAfterLiveWrite, true},
	}
	for _, tt := range tests {
		t.Run(tt.point.String(), func(t *testing.T) {
			env := newTestEnv(t)
			if err := env.svc.AddHook(tt.point, store.HookCrash); err != nil {
				t.Fatalf("add hook failed: %v", err)
			}

			h, _ := env.svc.StartTransaction()
			for i := 0; i < 4; i++ {
				env.svc.WriteEntry(h, layout.SectorSEPEdges, []byte{byte(i)})
			}
			if _, err := env.svc.Commit(testContext(t), h); !errors.Is(err, store.ErrCrashed) {
				t.Fatalf("expected ErrCrashed, got %v", err)
			}
			if _, err := env.svc.ReadEntry(testContext(t), 0x200000000, make([]byte, 8)); !errors.Is(err, status.ErrIO) {
				t.Errorf("crashed store should fail reads, got %v", err)
			}

			env.bind()
			got := len(env.scan(layout.SectorSEPEdges))
			if tt.visible && got != 4 {
				t.Errorf("expected all 4 entries after replay, got %d", got)
			}
			if !tt.visible && got != 0 {
				t.Errorf("expected no entries, got %d", got)
			}
		})
	}
}

func TestQueueFullLeavesTransactionOpen(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	env := newTestEnvWith(t, cfg)
	svc := env.svc

	if err := svc.AddHook(store.HookAfterJournalSeal, store.HookWait); err != nil {
		t.Fatalf("add hook failed: %v", err)
	}
	reached := svc.HookReached(store.HookAfterJournalSeal)

	first := make(chan error, 1)
	h1, _ := svc.StartTransaction()
	svc.WriteEntry(h1, layout.SectorSEPObjects, []byte("1"))
	if err := svc.CommitTransaction(h1, func(_ CommitResult, err error) { first <- err }); err != nil {
		t.Fatalf("commit 1 not accepted: %v", err)
	}
	<-reached

	second := make(chan error, 1)
	h2, _ := svc.StartTransaction()
	svc.WriteEntry(h2, layout.SectorSEPObjects, []byte("2"))
	if err := svc.CommitTransaction(h2, func(_ CommitResult, err error) { second <- err }); err != nil {
		t.Fatalf("commit 2 not accepted: %v", err)
	}

	h3, _ := svc.StartTransaction()
	p3, _ := svc.WriteEntry(h3, layout.SectorSEPObjects, []byte("3"))
	if err := svc.CommitTransaction(h3, func(CommitResult, error) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := svc.ValidateEntry(h3, p3); err != nil {
		t.Errorf("rejected commit should leave the transaction open: %v", err)
	}

	if err := svc.ReleaseHook(store.HookAfterJournalSeal); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := <-first; err != nil {
		t.Errorf("commit 1 failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Errorf("commit 2 failed: %v", err)
	}
	if _, err := svc.Commit(testContext(t), h3); err != nil {
		t.Errorf("commit 3 failed: %v", err)
	}
	if got := len(env.scan(layout.SectorSEPObjects)); got != 3 {
		t.Errorf("expected 3 entries, got %d", got)
	}
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	svc.AddHook(store.HookAfterJournalWrite, store.HookWait)
	reached := svc.HookReached(store.HookAfterJournalWrite)

	running := make(chan error, 1)
	h1, _ := svc.StartTransaction()
	svc.WriteEntry(h1, layout.SectorSEPObjects, []byte("running"))
	svc.CommitTransaction(h1, func(_ CommitResult, err error) { running <- err })
	<-reached

	var calls int
	queued := make(chan error, 2)
	h2, _ := svc.StartTransaction()
	svc.WriteEntry(h2, layout.SectorSEPObjects, []byte("queued"))
	svc.CommitTransaction(h2, func(_ CommitResult, err error) { calls++; queued <- err })

	h3, _ := svc.StartTransaction()
	if err := svc.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := <-running; err != nil {
		t.Errorf("the running commit should complete, got %v", err)
	}
	if err := <-queued; !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed for the queued commit, got %v", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times", calls)
	}

	if _, err := svc.StartTransaction(); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
	if err := svc.CommitTransaction(h3, func(CommitResult, error) {}); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
	if err := svc.SetLUN(testLUN, func(error) {}); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("expected ErrServiceClosed, got %v", err)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.commitWrites(layout.SectorSEPObjects, []byte("abc"))

	st := env.svc.Stats()
	if st["bound"] != true || st["lun"] != testLUN {
		t.Errorf("unexpected binding stats: %v %v", st["bound"], st["lun"])
	}
	if st["tx_commit_ops"] != uint64(1) || st["write_ops"] != uint64(1) {
		t.Errorf("unexpected operation counts: commit %v write %v", st["tx_commit_ops"], st["write_ops"])
	}
	if st["commit_sequence"] != uint64(1) {
		t.Errorf("expected commit sequence 1, got %v", st["commit_sequence"])
	}
}
