package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"trailguard/internal/domain"
	"trailguard/internal/util"
)

var (
	_ CommandBus = (*GRPCBus)(nil)
	_ CommandBus = (*GRPCClient)(nil)
)

const (
	serviceName   = "trailguard.bus.v1.CommandBus"
	publishMethod = "/" + serviceName + "/Publish"
	consumeMethod = "/" + serviceName + "/Consume"
)

// CommandBusServer is the server side of the command bus gRPC service.
// Commands travel as google.protobuf.Struct holding the JSON form of
// domain.Command.
type CommandBusServer interface {
	Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Consume(in *emptypb.Empty, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CommandBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Consume", Handler: consumeHandler, ServerStreams: true},
	},
	Metadata: "trailguard/bus.proto",
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommandBusServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CommandBusServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func consumeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CommandBusServer).Consume(in, stream)
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// GRPCBus is a CommandBus whose queue is fed by remote publishers over gRPC.
// Local Publish and Consume go straight to the in-process queue.
type GRPCBus struct {
	queue *MemoryBus
	srv   *grpc.Server
	lis   net.Listener
	log   *slog.Logger
}

// NewGRPCBus listens on addr and starts serving in the background.
func NewGRPCBus(addr string, log *slog.Logger) (*GRPCBus, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	b := &GRPCBus{
		queue: NewMemoryBus(0),
		srv:   grpc.NewServer(),
		lis:   lis,
		log:   log.With("bus", "grpc"),
	}
	b.srv.RegisterService(&serviceDesc, &grpcHandler{bus: b.queue, log: b.log})

	go func() {
		if err := b.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			b.log.Error("grpc bus server stopped", "error", err)
		}
	}()
	b.log.Info("grpc bus listening", "addr", lis.Addr().String())
	return b, nil
}

// Addr returns the bound listen address.
func (b *GRPCBus) Addr() string {
	return b.lis.Addr().String()
}

// Publish implements CommandBus.
func (b *GRPCBus) Publish(ctx context.Context, cmd domain.Command) error {
	return b.queue.Publish(ctx, cmd)
}

// Consume implements CommandBus.
func (b *GRPCBus) Consume(ctx context.Context) <-chan domain.Command {
	return b.queue.Consume(ctx)
}

// Close stops the server and the queue.
func (b *GRPCBus) Close() error {
	b.srv.Stop()
	return b.queue.Close()
}

type grpcHandler struct {
	bus CommandBus
	log *slog.Logger
}

func (h *grpcHandler) Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	cmd, err := fromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := h.bus.Publish(ctx, cmd); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	h.log.Info("command received", "command_id", cmd.ID, "type", cmd.Type)
	return &emptypb.Empty{}, nil
}

func (h *grpcHandler) Consume(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	for cmd := range h.bus.Consume(ctx) {
		msg, err := toStruct(cmd)
		if err != nil {
			h.log.Warn("dropping unencodable command", "command_id", cmd.ID, "error", err)
			continue
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// GRPCClient publishes to and consumes from a remote GRPCBus.
type GRPCClient struct {
	conn *grpc.ClientConn
	addr string
	log  *slog.Logger
}

// NewGRPCClient creates a client for the bus at addr. The connection is
// established lazily.
func NewGRPCClient(addr string, log *slog.Logger) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, addr: addr, log: log.With("bus", "grpc", "addr", addr)}, nil
}

// Publish implements CommandBus.
func (c *GRPCClient) Publish(ctx context.Context, cmd domain.Command) error {
	msg, err := toStruct(cmd)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, publishMethod, msg, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("publishing command %s: %w", cmd.ID, err)
	}
	return nil
}

// Consume implements CommandBus. A broken stream is reopened after a pause.
func (c *GRPCClient) Consume(ctx context.Context) <-chan domain.Command {
	out := make(chan domain.Command)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			err := c.consumeOnce(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.log.Error("command stream failed", "error", err)
			}
			if util.Sleep(ctx, retryDelay) != nil {
				return
			}
		}
	}()
	return out
}

func (c *GRPCClient) consumeOnce(ctx context.Context, out chan<- domain.Command) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], consumeMethod)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("receiving command: %w", err)
		}
		cmd, err := fromStruct(msg)
		if err != nil {
			c.log.Warn("dropping undecodable command", "error", err)
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

func toStruct(cmd domain.Command) (*structpb.Struct, error) {
	body, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding command %s: %w", cmd.ID, err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct) (domain.Command, error) {
	body, err := json.Marshal(s.AsMap())
	if err != nil {
		return domain.Command{}, fmt.Errorf("decoding command: %w: %v", domain.ErrInvalidPayload, err)
	}
	return domain.DecodeCommand(body)
}
