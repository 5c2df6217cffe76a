package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/pkg/telemetry"
)

// TicketServiceName is the fully qualified gRPC service name.
const TicketServiceName = "ticketflow.v1.TicketService"

// TicketServiceServer is the server API for ticketflow.v1.TicketService.
// Tickets travel as google.protobuf.Struct carrying the same JSON shape as
// the REST API, so no generated stubs are needed.
type TicketServiceServer interface {
	CreateTicket(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTicket(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	WatchTicket(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error
	BulkCreateTickets(stream grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error
}

// RegisterTicketServiceServer registers srv on s.
func RegisterTicketServiceServer(s grpc.ServiceRegistrar, srv TicketServiceServer) {
	s.RegisterService(&TicketServiceDesc, srv)
}

// TicketServiceDesc describes ticketflow.v1.TicketService.
var TicketServiceDesc = grpc.ServiceDesc{
	ServiceName: TicketServiceName,
	HandlerType: (*TicketServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTicket", Handler: createTicketHandler},
		{MethodName: "GetTicket", Handler: getTicketHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchTicket", Handler: watchTicketHandler, ServerStreams: true},
		{StreamName: "BulkCreateTickets", Handler: bulkCreateTicketsHandler, ClientStreams: true},
	},
	Metadata: "ticketflow/v1/ticket.proto",
}

func createTicketHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TicketServiceServer).CreateTicket(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TicketServiceName + "/CreateTicket"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TicketServiceServer).CreateTicket(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getTicketHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TicketServiceServer).GetTicket(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TicketServiceName + "/GetTicket"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TicketServiceServer).GetTicket(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchTicketHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TicketServiceServer).WatchTicket(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

func bulkCreateTicketsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TicketServiceServer).BulkCreateTickets(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// GRPC implements TicketServiceServer over the same store as REST.
type GRPC struct {
	intake
	pollEvery time.Duration
}

var _ TicketServiceServer = (*GRPC)(nil)

// NewGRPC creates a new gRPC handler sharing the same dependencies as REST.
// history may be nil.
func NewGRPC(store TicketStore, history SyncHistory, logger *slog.Logger) *GRPC {
	return &GRPC{
		intake:    intake{store: store, history: history, logger: logger},
		pollEvery: 500 * time.Millisecond,
	}
}

func (g *GRPC) CreateTicket(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body CreateTicketRequest
	if err := fromStruct(req, &body); err != nil {
		telemetry.APITicketsSubmitted.WithLabelValues("invalid").Inc()
		return nil, status.Error(codes.InvalidArgument, "invalid request body")
	}
	t, err := g.create(ctx, body)
	if err != nil {
		return nil, createStatus(err)
	}
	return toStruct(CreateTicketResponse{
		Key:       t.Key,
		Status:    string(domain.StatusPending),
		CreatedAt: t.CreatedAt,
	})
}

func (g *GRPC) GetTicket(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "ticket key is required")
	}
	resp, err := g.lookup(ctx, req.GetValue())
	if err != nil {
		return nil, lookupStatus(err)
	}
	return toStruct(resp)
}

// WatchTicket streams the ticket every time its status changes and returns
// once the status is terminal.
func (g *GRPC) WatchTicket(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if req.GetValue() == "" {
		return status.Error(codes.InvalidArgument, "ticket key is required")
	}

	ctx := stream.Context()
	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	var last string
	for {
		resp, err := g.lookup(ctx, req.GetValue())
		if err != nil {
			return lookupStatus(err)
		}
		if resp.Status != last {
			msg, err := toStruct(resp)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
			last = resp.Status
		}
		if domain.ConvergenceStatus(resp.Status).IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// BulkCreateTickets accepts a client stream and creates each ticket
// independently. Rejected tickets are counted, not fatal.
func (g *GRPC) BulkCreateTickets(stream grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error {
	var (
		created int
		keys    []any
		errs    []any
	)
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "stream recv: %v", err)
		}

		resp, err := g.CreateTicket(stream.Context(), req)
		if err != nil {
			errs = append(errs, status.Convert(err).Message())
			continue
		}
		created++
		keys = append(keys, resp.GetFields()["key"].GetStringValue())
	}

	out, err := structpb.NewStruct(map[string]any{
		"created": created,
		"failed":  len(errs),
		"keys":    keys,
		"errors":  errs,
	})
	if err != nil {
		return status.Error(codes.Internal, "encode response")
	}
	return stream.SendAndClose(out)
}

func createStatus(err error) error {
	var (
		invalid *domain.InvalidTicketError
		exists  *domain.TicketExistsError
	)
	switch {
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, invalid.Reason)
	case errors.As(err, &exists):
		return status.Error(codes.AlreadyExists, "ticket already exists")
	default:
		return status.Error(codes.Internal, "failed to create ticket")
	}
}

func lookupStatus(err error) error {
	var notFound *domain.TicketNotFoundError
	if errors.As(err, &notFound) {
		return status.Error(codes.NotFound, "ticket not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "failed to retrieve ticket")
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// toStruct encodes v into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// WatchReadiness keeps the health server's overall and per-service status in
// step with ready until ctx is cancelled.
func WatchReadiness(ctx context.Context, hs HealthSetter, ready func(ctx context.Context) error, every time.Duration, logger *slog.Logger) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		serving := ready == nil || ready(checkCtx) == nil
		for _, svc := range []string{"", TicketServiceName} {
			hs.SetServingStatus(svc, servingStatus(serving))
		}
		if !serving {
			logger.Warn("gRPC health: not serving")
		}
	}

	check()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// HealthSetter is the part of *health.Server readiness updates use.
type HealthSetter interface {
	SetServingStatus(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus)
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
