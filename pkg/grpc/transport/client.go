package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/persist/pkg/grpc/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const defaultDialTimeout = 5 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	Timeout        time.Duration
	TLSEnabled     bool
	TLS            TLSConfig
	MaxMessageSize int
	// Extra is appended to the dial options Dial builds.
	Extra []grpc.DialOption
}

// Dial connects to a persist server and waits for the connection to be ready.
// Every call on the connection uses the persist-wire codec.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*grpc.ClientConn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDialTimeout
	}

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(service.CodecName)}
	if opts.MaxMessageSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(opts.MaxMessageSize))
	}

	dialOptions := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                defaultKeepAliveTime,
			Timeout:             defaultKeepAliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithBlock(),
	}
	if opts.TLSEnabled {
		tlsConfig, err := opts.TLS.ClientTLS()
		if err != nil {
			return nil, err
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOptions = append(dialOptions, opts.Extra...)

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, endpoint, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return conn, nil
}
