package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

var log = slog.Default()

// Server implements escrow.v1.EscrowService on top of the controller.
type Server struct {
	controller *controller.Controller
}

var _ EscrowServiceServer = (*Server)(nil)

// NewServer creates a new gRPC service instance.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{controller: ctrl}
}

// NewGRPCServer builds a grpc.Server with tracing, request logging and the
// health service, and registers srv on it.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(logUnary),
	}
	g := grpc.NewServer(append(base, opts...)...)
	RegisterEscrowServiceServer(g, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
	return g
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		log.Error("rpc failed", "method", info.FullMethod, "code", code, "error", err)
	} else {
		log.Debug("rpc", "method", info.FullMethod, "code", code, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// 寫入操作
// ============================================================================

// CreateInstance handles {payee, milestone_count, amount_per_milestone}.
func (s *Server) CreateInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	req := newRequest(in)
	payee, err := req.address("payee")
	if err != nil {
		return nil, err
	}
	count, err := req.integer("milestone_count")
	if err != nil {
		return nil, err
	}
	amount, err := req.amount("amount_per_milestone")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.CreateInstance(ctx, caller, payee, count, amount))
}

// CreateAndFund handles {payee, milestone_count, amount_per_milestone, supplied}.
// When funding fails after creation the error detail carries instance_id.
func (s *Server) CreateAndFund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	req := newRequest(in)
	payee, err := req.address("payee")
	if err != nil {
		return nil, err
	}
	count, err := req.integer("milestone_count")
	if err != nil {
		return nil, err
	}
	amount, err := req.amount("amount_per_milestone")
	if err != nil {
		return nil, err
	}
	supplied, err := req.amount("supplied")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.CreateAndFund(ctx, caller, payee, count, amount, supplied))
}

// Fund handles {instance_id, amount}.
func (s *Server) Fund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, id, req, err := instanceCall(ctx, in)
	if err != nil {
		return nil, err
	}
	amount, err := req.amount("amount")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.Fund(ctx, caller, id, amount))
}

// SubmitMilestone handles {instance_id, index}.
func (s *Server) SubmitMilestone(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, id, req, err := instanceCall(ctx, in)
	if err != nil {
		return nil, err
	}
	index, err := req.integer("index")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.SubmitMilestone(ctx, caller, id, index))
}

// ApproveMilestone handles {instance_id, index}.
func (s *Server) ApproveMilestone(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, id, req, err := instanceCall(ctx, in)
	if err != nil {
		return nil, err
	}
	index, err := req.integer("index")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.ApproveMilestone(ctx, caller, id, index))
}

// ClaimAfterTimeout handles {instance_id, index}.
func (s *Server) ClaimAfterTimeout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, id, req, err := instanceCall(ctx, in)
	if err != nil {
		return nil, err
	}
	index, err := req.integer("index")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.ClaimAfterTimeout(ctx, caller, id, index))
}

// Cancel handles {instance_id}.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, id, _, err := instanceCall(ctx, in)
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.Cancel(ctx, caller, id))
}

// Credit handles {account, amount}. Administrative; no caller identity.
func (s *Server) Credit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	account, err := req.address("account")
	if err != nil {
		return nil, err
	}
	amount, err := req.amount("amount")
	if err != nil {
		return nil, err
	}
	return receiptResponse(s.controller.Credit(ctx, account, amount))
}

func instanceCall(ctx context.Context, in *structpb.Struct) (types.Address, types.InstanceID, request, error) {
	req := newRequest(in)
	caller, err := callerFrom(ctx)
	if err != nil {
		return types.Address{}, types.InstanceID{}, req, err
	}
	id, err := req.instanceID()
	if err != nil {
		return types.Address{}, types.InstanceID{}, req, err
	}
	return caller, id, req, nil
}

func receiptResponse(r controller.Receipt, err error) (*structpb.Struct, error) {
	fields := receiptStruct(r)
	if err != nil {
		return nil, statusError(err, fields)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode receipt: %v", err)
	}
	return out, nil
}

// ============================================================================
// 查詢
// ============================================================================

// GetInstance handles {instance_id} and returns the instance record.
func (s *Server) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := newRequest(in).instanceID()
	if err != nil {
		return nil, err
	}
	rec, err := s.controller.Instance(id)
	if err != nil {
		return nil, statusError(err, nil)
	}
	return encode(rec)
}

// ListInstances handles {participant?}. Without a participant every instance
// is listed in creation order.
func (s *Server) ListInstances(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	var records []types.InstanceRecord
	if req.has("participant") {
		addr, err := req.address("participant")
		if err != nil {
			return nil, err
		}
		records = s.controller.InstancesFor(addr)
	} else {
		records = s.controller.Instances()
	}
	list, err := toValue(records)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode instances: %v", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"instances": list,
		"count":     structpb.NewNumberValue(float64(len(records))),
	}}, nil
}

// GetBalance handles {account}.
func (s *Server) GetBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	account, err := newRequest(in).address("account")
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{
		"account": account.Hex(),
		"balance": s.controller.Balance(account).Dec(),
	})
}

// ListClaimable returns milestones whose approval timeout has elapsed.
func (s *Server) ListClaimable(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	claims := s.controller.Claimable()
	items := make([]interface{}, 0, len(claims))
	for _, c := range claims {
		items = append(items, map[string]interface{}{
			"instance_id": c.ID.Hex(),
			"payee":       c.Payee.Hex(),
			"index":       c.Index,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"claims": items})
}

// GetStatus returns the controller status map.
func (s *Server) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.controller.GetStatus())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func encode(v interface{}) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
