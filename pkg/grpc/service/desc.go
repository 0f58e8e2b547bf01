package service

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "persist.v1.Persist"

// Method names, as they appear after the service name in a full method path.
const (
	MethodSetLUN             = "SetLUN"
	MethodUnsetLUN           = "UnsetLUN"
	MethodStartTransaction   = "StartTransaction"
	MethodAbortTransaction   = "AbortTransaction"
	MethodWriteEntry         = "WriteEntry"
	MethodModifyEntry        = "ModifyEntry"
	MethodDeleteEntry        = "DeleteEntry"
	MethodValidateEntry      = "ValidateEntry"
	MethodCommitTransaction  = "CommitTransaction"
	MethodReadSector         = "ReadSector"
	MethodReadSingleEntry    = "ReadSingleEntry"
	MethodGetLayoutInfo      = "GetLayoutInfo"
	MethodGetEntryInfo       = "GetEntryInfo"
	MethodGetRequiredLUNSize = "GetRequiredLUNSize"
	MethodWriteSingleEntry   = "WriteSingleEntry"
	MethodModifySingleEntry  = "ModifySingleEntry"
	MethodDeleteSingleEntry  = "DeleteSingleEntry"
)

// FullMethod returns the path a client invokes for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a method descriptor around one PersistServer method. Errors
// leave the handler as gRPC status errors.
func unary[Req, Resp any](name string, call func(*PersistServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	invoke := func(s *PersistServer, ctx context.Context, req *Req) (interface{}, error) {
		resp, err := call(s, ctx, req)
		if err != nil {
			return nil, ToStatus(err)
		}
		return resp, nil
	}

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*PersistServer)
			if interceptor == nil {
				return invoke(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return invoke(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes persist.v1.Persist for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSetLUN, (*PersistServer).SetLUN),
		unary(MethodUnsetLUN, (*PersistServer).UnsetLUN),
		unary(MethodStartTransaction, (*PersistServer).StartTransaction),
		unary(MethodAbortTransaction, (*PersistServer).AbortTransaction),
		unary(MethodWriteEntry, (*PersistServer).WriteEntry),
		unary(MethodModifyEntry, (*PersistServer).ModifyEntry),
		unary(MethodDeleteEntry, (*PersistServer).DeleteEntry),
		unary(MethodValidateEntry, (*PersistServer).ValidateEntry),
		unary(MethodCommitTransaction, (*PersistServer).CommitTransaction),
		unary(MethodReadSector, (*PersistServer).ReadSector),
		unary(MethodReadSingleEntry, (*PersistServer).ReadSingleEntry),
		unary(MethodGetLayoutInfo, (*PersistServer).GetLayoutInfo),
		unary(MethodGetEntryInfo, (*PersistServer).GetEntryInfo),
		unary(MethodGetRequiredLUNSize, (*PersistServer).GetRequiredLUNSize),
		unary(MethodWriteSingleEntry, (*PersistServer).WriteSingleEntry),
		unary(MethodModifySingleEntry, (*PersistServer).ModifySingleEntry),
		unary(MethodDeleteSingleEntry, (*PersistServer).DeleteSingleEntry),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "persist/v1/persist.proto",
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv *PersistServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// PersistClient is the client side of persist.v1.Persist.
type PersistClient struct {
	cc grpc.ClientConnInterface
}

// NewPersistClient calls RPCs over cc. Every call is sent with the
// persist-wire content subtype.
func NewPersistClient(cc grpc.ClientConnInterface) *PersistClient {
	return &PersistClient{cc: cc}
}

func (c *PersistClient) invoke(ctx context.Context, method string, in, out Message, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}

func (c *PersistClient) SetLUN(ctx context.Context, in *LUNRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodSetLUN, in, out, opts...)
}

func (c *PersistClient) UnsetLUN(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodUnsetLUN, in, out, opts...)
}

func (c *PersistClient) StartTransaction(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*TransactionMessage, error) {
	out := new(TransactionMessage)
	return out, c.invoke(ctx, MethodStartTransaction, in, out, opts...)
}

func (c *PersistClient) AbortTransaction(ctx context.Context, in *TransactionMessage, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodAbortTransaction, in, out, opts...)
}

func (c *PersistClient) WriteEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*EntryResponse, error) {
	out := new(EntryResponse)
	return out, c.invoke(ctx, MethodWriteEntry, in, out, opts...)
}

func (c *PersistClient) ModifyEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodModifyEntry, in, out, opts...)
}

func (c *PersistClient) DeleteEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodDeleteEntry, in, out, opts...)
}

func (c *PersistClient) ValidateEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodValidateEntry, in, out, opts...)
}

func (c *PersistClient) CommitTransaction(ctx context.Context, in *TransactionMessage, opts ...grpc.CallOption) (*CommitResponse, error) {
	out := new(CommitResponse)
	return out, c.invoke(ctx, MethodCommitTransaction, in, out, opts...)
}

func (c *PersistClient) ReadSector(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	return out, c.invoke(ctx, MethodReadSector, in, out, opts...)
}

func (c *PersistClient) ReadSingleEntry(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	return out, c.invoke(ctx, MethodReadSingleEntry, in, out, opts...)
}

func (c *PersistClient) GetLayoutInfo(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*LayoutInfo, error) {
	out := new(LayoutInfo)
	return out, c.invoke(ctx, MethodGetLayoutInfo, in, out, opts...)
}

func (c *PersistClient) GetEntryInfo(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*EntryInfo, error) {
	out := new(EntryInfo)
	return out, c.invoke(ctx, MethodGetEntryInfo, in, out, opts...)
}

func (c *PersistClient) GetRequiredLUNSize(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*SizeResponse, error) {
	out := new(SizeResponse)
	return out, c.invoke(ctx, MethodGetRequiredLUNSize, in, out, opts...)
}

func (c *PersistClient) WriteSingleEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*EntryResponse, error) {
	out := new(EntryResponse)
	return out, c.invoke(ctx, MethodWriteSingleEntry, in, out, opts...)
}

func (c *PersistClient) ModifySingleEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodModifySingleEntry, in, out, opts...)
}

func (c *PersistClient) DeleteSingleEntry(ctx context.Context, in *EntryRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodDeleteSingleEntry, in, out, opts...)
}
