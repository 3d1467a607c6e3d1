package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/srm-lifecycle/internal/controller"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "srm.v1.RequestService"

// RequestServiceServer is the server side of srm.v1.RequestService.
// Every method takes and returns a google.protobuf.Struct.
type RequestServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Files(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Abort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PutDone(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReserveSpace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(RequestServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RequestServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RequestServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes srm.v1.RequestService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RequestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", RequestServiceServer.Submit),
		unary("Status", RequestServiceServer.Status),
		unary("Files", RequestServiceServer.Files),
		unary("History", RequestServiceServer.History),
		unary("List", RequestServiceServer.List),
		unary("Abort", RequestServiceServer.Abort),
		unary("Release", RequestServiceServer.Release),
		unary("PutDone", RequestServiceServer.PutDone),
		unary("ReserveSpace", RequestServiceServer.ReserveSpace),
		unary("Stats", RequestServiceServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "srm/v1/request_service.proto",
}

// GRPCServer implements RequestServiceServer on top of an Engine.
type GRPCServer struct {
	engine Engine
}

var _ RequestServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates a gRPC service backed by engine.
func NewGRPCServer(engine Engine) *GRPCServer {
	return &GRPCServer{engine: engine}
}

// Register builds a grpc.Server with the request service and logging interceptor.
func Register(engine Engine, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, NewGRPCServer(engine))
	return s
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		zap.L().Debug("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

// handle decodes in into a T, runs fn and encodes its result.
func handle[T any](in *structpb.Struct, fn func(T) (any, error)) (*structpb.Struct, error) {
	var req T
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcError(fmt.Errorf("%w: %v", controller.ErrInvalidRequest, err))
	}
	out, err := fn(req)
	if err != nil {
		return nil, grpcError(err)
	}
	s, err := toStruct(out)
	if err != nil {
		return nil, grpcError(err)
	}
	return s, nil
}

func (g *GRPCServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(spec controller.SubmitSpec) (any, error) {
		id, err := g.engine.Submit(ctx, spec)
		if err != nil {
			return nil, err
		}
		return SubmitResponse{RequestID: id}, nil
	})
}

func (g *GRPCServer) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req IDRequest) (any, error) {
		return g.engine.Status(ctx, req.RequestID)
	})
}

func (g *GRPCServer) Files(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req IDRequest) (any, error) {
		fs, err := g.engine.FileStatuses(ctx, req.RequestID)
		return FilesResponse{Files: fs}, err
	})
}

func (g *GRPCServer) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req IDRequest) (any, error) {
		h, err := g.engine.History(ctx, req.RequestID)
		return HistoryResponse{History: h}, err
	})
}

func (g *GRPCServer) List(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req ListRequest) (any, error) {
		f, err := req.filter()
		if err != nil {
			return nil, err
		}
		return ListResponse{Requests: g.engine.List(f)}, nil
	})
}

func (g *GRPCServer) Abort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req AbortRequest) (any, error) {
		return abort(ctx, g.engine, req)
	})
}

func (g *GRPCServer) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req FilesRequest) (any, error) {
		fs, err := g.engine.Release(ctx, req.RequestID, req.SURLs)
		return FilesResponse{Files: fs}, err
	})
}

func (g *GRPCServer) PutDone(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req FilesRequest) (any, error) {
		fs, err := g.engine.PutDone(ctx, req.RequestID, req.SURLs)
		return FilesResponse{Files: fs}, err
	})
}

func (g *GRPCServer) ReserveSpace(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req ReserveRequest) (any, error) {
		return g.engine.ReserveSpace(ctx, req.CredentialID, req.Size, req.Lifetime)
	})
}

func (g *GRPCServer) Stats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(struct{}) (any, error) {
		return g.engine.GetStats(), nil
	})
}

func abort(ctx context.Context, e Engine, req AbortRequest) (AbortResponse, error) {
	if len(req.SURLs) > 0 {
		fs, err := e.AbortFiles(ctx, req.RequestID, req.SURLs)
		return AbortResponse{RequestID: req.RequestID, Files: fs}, err
	}
	if err := e.Abort(ctx, req.RequestID, req.Reason); err != nil {
		return AbortResponse{}, err
	}
	return AbortResponse{RequestID: req.RequestID}, nil
}

// ---------------------------------------------------------------------------
// Client

// Client calls srm.v1.RequestService.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *Client) Submit(ctx context.Context, spec controller.SubmitSpec) (int64, error) {
	var out SubmitResponse
	err := c.call(ctx, "Submit", spec, &out)
	return out.RequestID, err
}

func (c *Client) Status(ctx context.Context, id int64) (controller.StatusReport, error) {
	var out controller.StatusReport
	err := c.call(ctx, "Status", IDRequest{RequestID: id}, &out)
	return out, err
}

func (c *Client) Files(ctx context.Context, id int64) (FilesResponse, error) {
	var out FilesResponse
	err := c.call(ctx, "Files", IDRequest{RequestID: id}, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, id int64) (HistoryResponse, error) {
	var out HistoryResponse
	err := c.call(ctx, "History", IDRequest{RequestID: id}, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	var out ListResponse
	err := c.call(ctx, "List", req, &out)
	return out, err
}

func (c *Client) Abort(ctx context.Context, req AbortRequest) (AbortResponse, error) {
	var out AbortResponse
	err := c.call(ctx, "Abort", req, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, req FilesRequest) (FilesResponse, error) {
	var out FilesResponse
	err := c.call(ctx, "Release", req, &out)
	return out, err
}

func (c *Client) PutDone(ctx context.Context, req FilesRequest) (FilesResponse, error) {
	var out FilesResponse
	err := c.call(ctx, "PutDone", req, &out)
	return out, err
}

func (c *Client) ReserveSpace(ctx context.Context, req ReserveRequest) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, "ReserveSpace", req, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (controller.Stats, error) {
	var out controller.Stats
	err := c.call(ctx, "Stats", struct{}{}, &out)
	return out, err
}
