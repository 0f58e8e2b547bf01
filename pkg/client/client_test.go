package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/common/status"
	"github.com/KevoDB/persist/pkg/config"
	"github.com/KevoDB/persist/pkg/grpc/transport"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/snapshot"
	"github.com/KevoDB/persist/pkg/transaction"
	"github.com/KevoDB/persist/pkg/volume"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testLUN = volume.SystemLUNID

type testServer struct {
	svc    *persist.Service
	client *Client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.MaxTransactionEntries = 8
	cfg.JournalTransactions = 1
	cfg.MaxReadEntries = 4
	for _, st := range layout.Sectors() {
		cfg.SectorEntries[st.String()] = 16
	}
	return cfg
}

// newTestServer serves a persist service with an unbound LUN over bufconn
// and returns a connected client. adjust may change the client options.
func newTestServer(t *testing.T, adjust func(*ClientOptions)) *testServer {
	t.Helper()
	cfg := testConfig()

	volumes := volume.NewManager()
	svc, err := persist.New(cfg, volumes, persist.Options{Logger: log.NewNopLogger()})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := volumes.Create(testLUN, svc.RequiredLUNSize()); err != nil {
		t.Fatalf("failed to create lun: %v", err)
	}

	srv, err := transport.NewServer(svc, transport.ServerOptions{Logger: log.NewNopLogger()})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	opts := DefaultClientOptions()
	opts.Endpoint = "bufnet"
	opts.MaxRetries = 0
	opts.DialOptions = []grpc.DialOption{grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	})}
	if adjust != nil {
		adjust(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		srv.Stop(context.Background())
		<-served
		svc.Close()
		volumes.Close()
	})
	return &testServer{svc: svc, client: c}
}

func newBoundServer(t *testing.T, adjust func(*ClientOptions)) *testServer {
	t.Helper()
	ts := newTestServer(t, adjust)
	if err := ts.client.SetLUN(testContext(t), testLUN); err != nil {
		t.Fatalf("set lun failed: %v", err)
	}
	return ts
}

func TestBindAndLayout(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := testContext(t)
	c := ts.client

	size, err := c.RequiredLUNSize(ctx)
	if err != nil {
		t.Fatalf("required size failed: %v", err)
	}
	if size != ts.svc.RequiredLUNSize() {
		t.Errorf("expected %d blocks, got %d", ts.svc.RequiredLUNSize(), size)
	}

	if _, err := c.LayoutInfo(ctx); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected a configuration error before binding, got %v", err)
	}
	if err := c.SetLUN(ctx, 42); !errors.Is(err, volume.ErrLUNNotFound) && !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected an unknown lun to be rejected, got %v", err)
	}
	if err := c.SetLUN(ctx, testLUN); err != nil {
		t.Fatalf("set lun failed: %v", err)
	}

	got, err := c.LayoutInfo(ctx)
	if err != nil {
		t.Fatalf("layout info failed: %v", err)
	}
	want, _ := ts.svc.GetLayoutInfo()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout info mismatch (-want +got):\n%s", diff)
	}

	if err := c.UnsetLUN(ctx); err != nil {
		t.Fatalf("unset failed: %v", err)
	}
	if _, bound := ts.svc.Bound(); bound {
		t.Errorf("expected the service to be unbound")
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	ts := newBoundServer(t, nil)
	ctx := testContext(t)
	c := ts.client

	tx, err := c.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	p1, err := tx.Write(ctx, layout.SectorSEPObjects, []byte("first"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	p2, err := tx.Write(ctx, layout.SectorSEPObjects, []byte("second"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	p3, err := tx.WriteWithIDOnTop(ctx, layout.SectorSEPEdges, []byte("edge"))
	if err != nil {
		t.Fatalf("write with id on top failed: %v", err)
	}
	if err := tx.Modify(ctx, p2, []byte("second, modified")); err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	if err := tx.Validate(ctx, p1); err != nil {
		t.Errorf("validate of a staged write failed: %v", err)
	}

	res, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(res.Assigned) != 3 || len(res.Written) != 3 {
		t.Fatalf("unexpected commit result %+v", res)
	}

	buf := make([]byte, 64)
	for provisional, want := range map[layout.EntryID]string{p1: "first", p2: "second, modified"} {
		n, err := c.ReadEntry(ctx, res.Assigned[provisional], buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(buf[:n]) != want {
			t.Errorf("expected %q, got %q", want, buf[:n])
		}
	}

	edge := res.Assigned[p3]
	n, err := c.ReadEntry(ctx, edge, buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := layout.EntryID(binary.LittleEndian.Uint64(buf)); got != edge {
		t.Errorf("prefix holds %s, want %s", got, edge)
	}
	if string(buf[transaction.IDPrefixSize:n]) != "edge" {
		t.Errorf("unexpected payload %q", buf[transaction.IDPrefixSize:n])
	}

	info, err := c.EntryInfo(ctx, edge)
	if err != nil {
		t.Fatalf("entry info failed: %v", err)
	}
	if !info.Exists || info.Sector != layout.SectorSEPEdges {
		t.Errorf("unexpected entry info %+v", info)
	}

	if _, err := tx.Write(ctx, layout.SectorSEPObjects, []byte("late")); !errors.Is(err, ErrTransactionClosed) {
		t.Errorf("expected ErrTransactionClosed, got %v", err)
	}
}

func TestAbortTransaction(t *testing.T) {
	ts := newBoundServer(t, nil)
	ctx := testContext(t)

	tx, err := ts.client.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.Write(ctx, layout.SectorScratchPad, []byte("discarded")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := tx.Abort(ctx); err != nil {
		t.Fatalf("abort failed: %v", err)
	}
	if err := tx.Abort(ctx); !errors.Is(err, status.ErrTransactionState) {
		t.Errorf("expected a second abort to report a state error, got %v", err)
	}

	count := 0
	if err := ts.client.ScanSector(ctx, layout.SectorScratchPad, func(persist.Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no entries after abort, found %d", count)
	}
}

func TestSingleEntryOperations(t *testing.T) {
	ts := newBoundServer(t, nil)
	ctx := testContext(t)
	c := ts.client

	id, err := c.WriteSingle(ctx, layout.SectorSystemGlobalData, []byte("v1"))
	if err != nil {
		t.Fatalf("write single failed: %v", err)
	}
	if err := c.ModifySingle(ctx, id, []byte("v2")); err != nil {
		t.Fatalf("modify single failed: %v", err)
	}

	buf := make([]byte, 16)
	n, err := c.ReadEntry(ctx, id, buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "v2" {
		t.Errorf("expected v2, got %q", buf[:n])
	}

	if err := c.DeleteSingle(ctx, id); err != nil {
		t.Fatalf("delete single failed: %v", err)
	}
	info, err := c.EntryInfo(ctx, id)
	if err != nil {
		t.Fatalf("entry info failed: %v", err)
	}
	if info.Exists {
		t.Errorf("expected the entry to be gone")
	}
	if _, err := c.ReadEntry(ctx, id, buf); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestScanSectorPages(t *testing.T) {
	geo, err := testConfig().Geometry()
	if err != nil {
		t.Fatalf("geometry failed: %v", err)
	}
	l, err := layout.New(geo)
	if err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	recSize := l.ReadEntrySize()
	small := newBoundServer(t, func(o *ClientOptions) { o.ScanBufferSize = 3 * recSize })
	ctx := testContext(t)

	var want []layout.EntryID
	for i := 0; i < 11; i++ {
		id, err := small.client.WriteSingle(ctx, layout.SectorESPObjects, bytes.Repeat([]byte{byte(i)}, i+1))
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		want = append(want, id)
	}
	if err := small.client.DeleteSingle(ctx, want[4]); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want = append(want[:4], want[5:]...)

	var got []layout.EntryID
	err = small.client.ScanSector(ctx, layout.SectorESPObjects, func(e persist.Entry) error {
		got = append(got, e.ID)
		if len(e.Data) == 0 || int(e.Data[0])+1 != len(e.Data) {
			t.Errorf("entry %s has unexpected payload %v", e.ID, e.Data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("scan mismatch (-want +got):\n%s", diff)
	}

	buf := make([]byte, 3*recSize)
	next, count, err := small.client.ReadSector(ctx, layout.SectorESPObjects, buf, layout.CursorStart)
	if err != nil {
		t.Fatalf("read sector failed: %v", err)
	}
	if count != 3 || next != layout.MakeCursor(layout.SectorESPObjects, 3) {
		t.Errorf("expected 3 records and cursor at slot 3, got %d and %s", count, next)
	}
}

func TestErrorsCrossTheWire(t *testing.T) {
	ts := newBoundServer(t, nil)
	ctx := testContext(t)
	c := ts.client

	tx, err := c.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Abort(ctx)

	if _, err := tx.Write(ctx, layout.SectorType(99), []byte("x")); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected a configuration error for a bad sector, got %v", err)
	}
	big := make([]byte, ts.svc.Layout().EntryCapacity()+1)
	if _, err := tx.Write(ctx, layout.SectorSEPObjects, big); !errors.Is(err, status.ErrCapacity) {
		t.Errorf("expected a capacity error for an oversized entry, got %v", err)
	}
	if err := tx.Delete(ctx, 0x100000099); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("expected not found for an unknown entry, got %v", err)
	}

	stale := &Transaction{client: c, handle: transaction.Handle(12345)}
	if _, err := stale.Write(ctx, layout.SectorSEPObjects, []byte("x")); !errors.Is(err, status.ErrTransactionState) {
		t.Errorf("expected a state error for an unknown handle, got %v", err)
	}

	if _, _, err := c.ReadSector(ctx, layout.SectorSEPObjects, make([]byte, 8), layout.CursorStart); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected a configuration error for a small buffer, got %v", err)
	}
	if _, _, err := c.ReadSector(ctx, layout.SectorSEPObjects, make([]byte, 2<<20), layout.CursorStart); !errors.Is(err, status.ErrConfiguration) {
		t.Errorf("expected a configuration error for an oversized buffer, got %v", err)
	}

	id, err := c.WriteSingle(ctx, layout.SectorSEPObjects, []byte("twelve bytes"))
	if err != nil {
		t.Fatalf("write single failed: %v", err)
	}
	if _, err := c.ReadEntry(ctx, id, make([]byte, 4)); !errors.Is(err, status.ErrCapacity) {
		t.Errorf("expected a capacity error for a short buffer, got %v", err)
	}
}

func TestSnapshotThroughClients(t *testing.T) {
	src := newBoundServer(t, nil)
	dst := newBoundServer(t, nil)
	ctx := testContext(t)

	want := map[string]bool{}
	for _, p := range []string{"alpha", "beta", "gamma"} {
		if _, err := src.client.WriteSingle(ctx, layout.SectorSEPAdminConversion, []byte(p)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		want[p] = true
	}

	var stream bytes.Buffer
	if _, count, err := snapshot.Export(ctx, src.client, &stream, snapshot.CodecSnappy); err != nil || count != 3 {
		t.Fatalf("export returned %d, %v", count, err)
	}
	ids, err := snapshot.Import(ctx, dst.client, &stream)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 imported entries, got %d", len(ids))
	}

	got := map[string]bool{}
	err = dst.svc.ScanSector(ctx, layout.SectorSEPAdminConversion, func(e persist.Entry) error {
		got[string(e.Data)] = true
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("imported entries mismatch (-want +got):\n%s", diff)
	}
}

func TestClientOptions(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("expected ErrInvalidOptions without an endpoint, got %v", err)
	}
	opts := DefaultClientOptions()
	opts.ScanBufferSize = 0
	if _, err := NewClient(opts); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("expected ErrInvalidOptions without a scan buffer, got %v", err)
	}

	c, err := NewClient(DefaultClientOptions())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if c.IsConnected() {
		t.Errorf("new client should not be connected")
	}
	if err := c.SetLUN(context.Background(), testLUN); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("close of an unconnected client failed: %v", err)
	}
}
