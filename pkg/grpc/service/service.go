// Package service exposes a persist.Service over gRPC.
package service

import (
	"context"
	"fmt"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/transaction"
)

// DefaultMaxBufferSize bounds the read buffers a client may ask for.
const DefaultMaxBufferSize = 1 << 20

// Options configures a PersistServer.
type Options struct {
	MaxBufferSize int
	Logger        log.Logger
}

// PersistServer implements the persist.v1.Persist RPCs.
type PersistServer struct {
	svc       *persist.Service
	maxBuffer int
	logger    log.Logger
}

// NewPersistServer serves svc.
func NewPersistServer(svc *persist.Service, opts Options) *PersistServer {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Component("rpc")
	}
	return &PersistServer{
		svc:       svc,
		maxBuffer: opts.MaxBufferSize,
		logger:    opts.Logger,
	}
}

// SetLUN binds a LUN and waits for its volume to open.
func (s *PersistServer) SetLUN(ctx context.Context, req *LUNRequest) (*Empty, error) {
	if err := s.svc.Bind(ctx, req.LUN); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *PersistServer) UnsetLUN(ctx context.Context, req *Empty) (*Empty, error) {
	if err := s.svc.UnsetLUN(); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *PersistServer) StartTransaction(ctx context.Context, req *Empty) (*TransactionMessage, error) {
	h, err := s.svc.StartTransaction()
	if err != nil {
		return nil, err
	}
	return &TransactionMessage{Handle: uint64(h)}, nil
}

func (s *PersistServer) AbortTransaction(ctx context.Context, req *TransactionMessage) (*Empty, error) {
	if err := s.svc.AbortTransaction(transaction.Handle(req.Handle)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// WriteEntry stages a write and returns its provisional ID.
func (s *PersistServer) WriteEntry(ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
	h, t := transaction.Handle(req.Handle), layout.SectorType(req.Sector)

	var id layout.EntryID
	var err error
	if req.IDOnTop {
		id, err = s.svc.WriteEntryWithAutoEntryIDOnTop(h, t, req.Data)
	} else {
		id, err = s.svc.WriteEntry(h, t, req.Data)
	}
	if err != nil {
		return nil, err
	}
	return &EntryResponse{EntryID: uint64(id)}, nil
}

func (s *PersistServer) ModifyEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	err := s.svc.ModifyEntry(transaction.Handle(req.Handle), layout.EntryID(req.EntryID), req.Data)
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *PersistServer) DeleteEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.svc.DeleteEntry(transaction.Handle(req.Handle), layout.EntryID(req.EntryID)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *PersistServer) ValidateEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.svc.ValidateEntry(transaction.Handle(req.Handle), layout.EntryID(req.EntryID)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// CommitTransaction commits and waits for the journal protocol to finish.
func (s *PersistServer) CommitTransaction(ctx context.Context, req *TransactionMessage) (*CommitResponse, error) {
	res, err := s.svc.Commit(ctx, transaction.Handle(req.Handle))
	if err != nil {
		return nil, err
	}

	resp := &CommitResponse{Sequence: res.Sequence}
	for provisional, final := range res.Assigned {
		resp.Assigned = append(resp.Assigned, IDMapping{Provisional: uint64(provisional), Final: uint64(final)})
	}
	for _, id := range res.Written {
		resp.Written = append(resp.Written, uint64(id))
	}
	for _, id := range res.Deleted {
		resp.Deleted = append(resp.Deleted, uint64(id))
	}
	return resp, nil
}

func (s *PersistServer) buffer(size uint32) ([]byte, error) {
	if int(size) > s.maxBuffer {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrBufferTooLarge, size, s.maxBuffer)
	}
	return make([]byte, size), nil
}

// ReadSector returns one page of a sector, laid out as ReadSector places it
// in a caller's buffer.
func (s *PersistServer) ReadSector(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	buf, err := s.buffer(req.BufferSize)
	if err != nil {
		return nil, err
	}
	next, count, err := s.svc.ReadSectorPage(ctx, layout.SectorType(req.Sector), buf, layout.Cursor(req.Cursor))
	if err != nil {
		return nil, err
	}
	return &ReadResponse{
		Next:  uint64(next),
		Count: uint32(count),
		Data:  buf[:count*s.svc.Layout().ReadEntrySize()],
	}, nil
}

func (s *PersistServer) ReadSingleEntry(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	buf, err := s.buffer(req.BufferSize)
	if err != nil {
		return nil, err
	}
	n, err := s.svc.ReadEntry(ctx, layout.EntryID(req.EntryID), buf)
	if err != nil {
		return nil, err
	}
	return &ReadResponse{Count: 1, Data: buf[:n]}, nil
}

func (s *PersistServer) GetLayoutInfo(ctx context.Context, req *Empty) (*LayoutInfo, error) {
	info, err := s.svc.GetLayoutInfo()
	if err != nil {
		return nil, err
	}
	return &LayoutInfo{
		LUN:                        info.LUNObjectID,
		HeaderLBA:                  info.HeaderLBA,
		JournalStartLBA:            info.JournalStartLBA,
		SEPObjectsStartLBA:         info.SEPObjectsStartLBA,
		SEPEdgesStartLBA:           info.SEPEdgesStartLBA,
		SEPAdminConversionStartLBA: info.SEPAdminConversionStartLBA,
		ESPObjectsStartLBA:         info.ESPObjectsStartLBA,
		SystemDataStartLBA:         info.SystemDataStartLBA,
		ScratchPadStartLBA:         info.ScratchPadStartLBA,
		DIEHRecordStartLBA:         info.DIEHRecordStartLBA,
		TotalBlocks:                info.TotalBlocks,
		Fingerprint:                info.Fingerprint,
	}, nil
}

func (s *PersistServer) GetEntryInfo(ctx context.Context, req *EntryRequest) (*EntryInfo, error) {
	info, err := s.svc.GetEntryInfo(layout.EntryID(req.EntryID))
	if err != nil {
		return nil, err
	}
	return &EntryInfo{
		EntryID: uint64(info.ID),
		Exists:  info.Exists,
		Sector:  uint32(info.Sector),
		Slot:    info.Slot,
	}, nil
}

func (s *PersistServer) GetRequiredLUNSize(ctx context.Context, req *Empty) (*SizeResponse, error) {
	return &SizeResponse{Blocks: s.svc.RequiredLUNSize()}, nil
}

func (s *PersistServer) WriteSingleEntry(ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
	id, err := s.svc.WriteSingle(ctx, layout.SectorType(req.Sector), req.Data)
	if err != nil {
		return nil, err
	}
	return &EntryResponse{EntryID: uint64(id)}, nil
}

func (s *PersistServer) ModifySingleEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.svc.ModifySingle(ctx, layout.EntryID(req.EntryID), req.Data); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *PersistServer) DeleteSingleEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.svc.DeleteSingle(ctx, layout.EntryID(req.EntryID)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}
