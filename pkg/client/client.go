// Package client talks to a persist server over gRPC.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/persist/pkg/grpc/service"
	"github.com/KevoDB/persist/pkg/grpc/transport"
	"github.com/KevoDB/persist/pkg/layout"
	"github.com/KevoDB/persist/pkg/persist"
	"google.golang.org/grpc"
)

// ClientOptions configures a persist client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for connection attempts
	RequestTimeout time.Duration // Default timeout for requests

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file

	// Retry options, applied to reads only
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Performance options
	MaxMessageSize int // Maximum message size
	ScanBufferSize int // Read buffer requested per ScanSector page

	// DialOptions are passed through to grpc, after the client's own.
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50051",
		ConnectTimeout: time.Second * 5,
		RequestTimeout: time.Second * 10,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond * 100,
		MaxBackoff:     time.Second * 2,
		BackoffFactor:  1.5,
		RetryJitter:    0.2,
		MaxMessageSize: 16 * 1024 * 1024, // 16MB
		ScanBufferSize: 256 * 1024,
	}
}

// Client is a connection to a persist server
type Client struct {
	options ClientOptions

	mu   sync.RWMutex
	conn *grpc.ClientConn
	rpc  *service.PersistClient
}

// NewClient creates a client; call Connect before use.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if options.RequestTimeout <= 0 || options.ScanBufferSize <= 0 {
		return nil, fmt.Errorf("%w: request timeout and scan buffer size must be positive", ErrInvalidOptions)
	}
	return &Client{options: options}, nil
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	conn, err := transport.Dial(ctx, c.options.Endpoint, transport.DialOptions{
		Timeout:    c.options.ConnectTimeout,
		TLSEnabled: c.options.TLSEnabled,
		TLS: transport.TLSConfig{
			CertFile: c.options.CertFile,
			KeyFile:  c.options.KeyFile,
			CAFile:   c.options.CAFile,
		},
		MaxMessageSize: c.options.MaxMessageSize,
		Extra:          c.options.DialOptions,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.rpc = service.NewPersistClient(conn)
	return nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.rpc = nil, nil
	return err
}

// IsConnected returns whether the client is connected to the server
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) stub() (*service.PersistClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpc == nil {
		return nil, ErrNotConnected
	}
	return c.rpc, nil
}

// call runs one RPC under the request timeout and converts its status.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context, rpc *service.PersistClient) error) error {
	rpc, err := c.stub()
	if err != nil {
		return err
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()
	return service.FromStatus(fn(timeoutCtx, rpc))
}

// read is call with retries on transient failures.
func (c *Client) read(ctx context.Context, fn func(ctx context.Context, rpc *service.PersistClient) error) error {
	policy := RetryPolicy{
		MaxRetries:     c.options.MaxRetries,
		InitialBackoff: c.options.InitialBackoff,
		MaxBackoff:     c.options.MaxBackoff,
		BackoffFactor:  c.options.BackoffFactor,
		Jitter:         c.options.RetryJitter,
	}
	return RetryWithBackoff(ctx, policy, func(ctx context.Context) error {
		return c.call(ctx, fn)
	})
}

// SetLUN binds the server to a LUN.
func (c *Client) SetLUN(ctx context.Context, lun uint32) error {
	return c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.SetLUN(ctx, &service.LUNRequest{LUN: lun})
		return err
	})
}

// UnsetLUN releases the server's volume.
func (c *Client) UnsetLUN(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.UnsetLUN(ctx, &service.Empty{})
		return err
	})
}

// RequiredLUNSize is the volume size, in blocks, the server's layout needs.
func (c *Client) RequiredLUNSize(ctx context.Context) (uint64, error) {
	var blocks uint64
	err := c.read(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.GetRequiredLUNSize(ctx, &service.Empty{})
		if err == nil {
			blocks = resp.Blocks
		}
		return err
	})
	return blocks, err
}

// LayoutInfo reports the layout of the bound LUN.
func (c *Client) LayoutInfo(ctx context.Context) (layout.Info, error) {
	var info layout.Info
	err := c.read(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.GetLayoutInfo(ctx, &service.Empty{})
		if err != nil {
			return err
		}
		info = layout.Info{
			LUNObjectID:                resp.LUN,
			HeaderLBA:                  resp.HeaderLBA,
			JournalStartLBA:            resp.JournalStartLBA,
			SEPObjectsStartLBA:         resp.SEPObjectsStartLBA,
			SEPEdgesStartLBA:           resp.SEPEdgesStartLBA,
			SEPAdminConversionStartLBA: resp.SEPAdminConversionStartLBA,
			ESPObjectsStartLBA:         resp.ESPObjectsStartLBA,
			SystemDataStartLBA:         resp.SystemDataStartLBA,
			ScratchPadStartLBA:         resp.ScratchPadStartLBA,
			DIEHRecordStartLBA:         resp.DIEHRecordStartLBA,
			TotalBlocks:                resp.TotalBlocks,
			Fingerprint:                resp.Fingerprint,
		}
		return nil
	})
	return info, err
}

// EntryInfo reports whether id names a committed entry and where it lives.
func (c *Client) EntryInfo(ctx context.Context, id layout.EntryID) (persist.EntryInfo, error) {
	var info persist.EntryInfo
	err := c.read(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.GetEntryInfo(ctx, &service.EntryRequest{EntryID: uint64(id)})
		if err != nil {
			return err
		}
		info = persist.EntryInfo{
			ID:     layout.EntryID(resp.EntryID),
			Exists: resp.Exists,
			Sector: layout.SectorType(resp.Sector),
			Slot:   resp.Slot,
		}
		return nil
	})
	return info, err
}

// ReadSector reads one page of sector t into buf, laid out as
// persist.Service.ReadSector lays it out.
func (c *Client) ReadSector(ctx context.Context, t layout.SectorType, buf []byte, cursor layout.Cursor) (layout.Cursor, int, error) {
	next, count, _, err := c.readPage(ctx, t, buf, cursor)
	return next, count, err
}

// readPage is ReadSector that also reports how many bytes of buf were filled.
func (c *Client) readPage(ctx context.Context, t layout.SectorType, buf []byte, cursor layout.Cursor) (layout.Cursor, int, int, error) {
	next, count, filled := cursor, 0, 0
	err := c.read(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.ReadSector(ctx, &service.ReadRequest{
			Sector:     uint32(t),
			Cursor:     uint64(cursor),
			BufferSize: uint32(len(buf)),
		})
		if err != nil {
			return err
		}
		if len(resp.Data) > len(buf) {
			return fmt.Errorf("server returned %d bytes for a %d byte buffer", len(resp.Data), len(buf))
		}
		filled = copy(buf, resp.Data)
		next, count = layout.Cursor(resp.Next), int(resp.Count)
		return nil
	})
	return next, count, filled, err
}

// ReadEntry copies the payload of id into buf and returns its length.
func (c *Client) ReadEntry(ctx context.Context, id layout.EntryID, buf []byte) (int, error) {
	var n int
	err := c.read(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.ReadSingleEntry(ctx, &service.ReadRequest{
			EntryID:    uint64(id),
			BufferSize: uint32(len(buf)),
		})
		if err != nil {
			return err
		}
		n = copy(buf, resp.Data)
		return nil
	})
	return n, err
}

// ScanSector pages through sector t and calls fn for every live entry.
func (c *Client) ScanSector(ctx context.Context, t layout.SectorType, fn func(persist.Entry) error) error {
	s := c.NewSectorScanner(ctx, t)
	for s.Next() {
		if err := fn(s.Entry()); err != nil {
			return err
		}
	}
	return s.Error()
}

// WriteSingle writes data to sector t in its own transaction and returns the final ID.
func (c *Client) WriteSingle(ctx context.Context, t layout.SectorType, data []byte) (layout.EntryID, error) {
	var id layout.EntryID
	err := c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		resp, err := rpc.WriteSingleEntry(ctx, &service.EntryRequest{Sector: uint32(t), Data: data})
		if err == nil {
			id = layout.EntryID(resp.EntryID)
		}
		return err
	})
	return id, err
}

// ModifySingle replaces the payload of the committed entry id.
func (c *Client) ModifySingle(ctx context.Context, id layout.EntryID, data []byte) error {
	return c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.ModifySingleEntry(ctx, &service.EntryRequest{EntryID: uint64(id), Data: data})
		return err
	})
}

// DeleteSingle deletes the committed entry id.
func (c *Client) DeleteSingle(ctx context.Context, id layout.EntryID) error {
	return c.call(ctx, func(ctx context.Context, rpc *service.PersistClient) error {
		_, err := rpc.DeleteSingleEntry(ctx, &service.EntryRequest{EntryID: uint64(id)})
		return err
	})
}
