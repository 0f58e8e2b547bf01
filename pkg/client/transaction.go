package client

import (
	"context"
	"errors"
	"sync"

	"github.com/KevoDB/persist/pkg/grpc/service"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/transaction"
)

// ErrTransactionClosed is returned when staging into a committed or aborted
// transaction
var ErrTransactionClosed = errors.New("transaction is closed")

// Transaction is a server-side transaction opened through the client
type Transaction struct {
	client *Client
	handle transaction.Handle
	closed bool
	mu     sync.Mutex
}

// BeginTransaction starts a new transaction
func (c *Client) BeginTransaction(ctx context.Context) (*Transaction, error) {
	var handle transaction.Handle
	err := c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.StartTransaction(ctx, &service.Empty{})
		if err == nil {
			handle = transaction.Handle(resp.Handle)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Transaction{client: c, handle: handle}, nil
}

// Handle is the server's handle for the transaction.
func (tx *Transaction) Handle() transaction.Handle { return tx.handle }

func (tx *Transaction) do(ctx context.Context, fn func(ctx context.Context, rpc *service.PersistClient) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	return tx.client.call(ctx, fn)
}

func (tx *Transaction) write(ctx context.Context, t layout.SectorType, data []byte, idOnTop bool) (layout.EntryID, error) {
	var id layout.EntryID
	err := tx.do(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.WriteEntry(ctx, &service.EntryRequest{
			Handle:  uint64(tx.handle),
			Sector:  uint32(t),
			Data:    data,
			IDOnTop: idOnTop,
		})
		if err == nil {
			id = layout.EntryID(resp.EntryID)
		}
		return err
	})
	return id, err
}

// Write stages a write to sector t and returns its provisional ID.
func (tx *Transaction) Write(ctx context.Context, t layout.SectorType, data []byte) (layout.EntryID, error) {
	return tx.write(ctx, t, data, false)
}

// WriteWithIDOnTop is Write with the final entry ID stored in the first
// eight bytes of the payload.
func (tx *Transaction) WriteWithIDOnTop(ctx context.Context, t layout.SectorType, data []byte) (layout.EntryID, error) {
	return tx.write(ctx, t, data, true)
}

// Modify stages a replacement payload for id.
func (tx *Transaction) Modify(ctx context.Context, id layout.EntryID, data []byte) error {
	return tx.do(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.ModifyEntry(ctx, &service.EntryRequest{Handle: uint64(tx.handle), EntryID: uint64(id), Data: data})
		return err
	})
}

// Delete stages the removal of id.
func (tx *Transaction) Delete(ctx context.Context, id layout.EntryID) error {
	return tx.do(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.DeleteEntry(ctx, &service.EntryRequest{Handle: uint64(tx.handle), EntryID: uint64(id)})
		return err
	})
}

// Validate checks that id may be modified or deleted in this transaction.
func (tx *Transaction) Validate(ctx context.Context, id layout.EntryID) error {
	return tx.do(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.ValidateEntry(ctx, &service.EntryRequest{Handle: uint64(tx.handle), EntryID: uint64(id)})
		return err
	})
}

// Commit commits the transaction. The transaction is closed afterwards
// whatever the outcome; a commit the server turned away for lack of queue
// space leaves the server transaction open until Abort.
func (tx *Transaction) Commit(ctx context.Context) (persist.CommitResult, error) {
	var res persist.CommitResult
	err := tx.do(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		tx.closed = true
		resp, err := rpc.CommitTransaction(ctx, &service.TransactionMessage{Handle: uint64(tx.handle)})
		if err != nil {
			return err
		}
		res = commitResult(resp)
		return nil
	})
	return res, err
}

func commitResult(resp *service.CommitResponse) persist.CommitResult {
	res := persist.CommitResult{
		Sequence: resp.Sequence,
		Assigned: make(map[layout.EntryID]layout.EntryID, len(resp.Assigned)),
	}
	for _, m := range resp.Assigned {
		res.Assigned[layout.EntryID(m.Provisional)] = layout.EntryID(m.Final)
	}
	for _, id := range resp.Written {
		res.Written = append(res.Written, layout.EntryID(id))
	}
	for _, id := range resp.Deleted {
		res.Deleted = append(res.Deleted, layout.EntryID(id))
	}
	return res
}

// Abort discards the transaction. It is sent even after Commit so that a
// transaction left open by a rejected commit can be released.
func (tx *Transaction) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	return tx.client.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.AbortTransaction(ctx, &service.TransactionMessage{Handle: uint64(tx.handle)})
		return err
	})
}
