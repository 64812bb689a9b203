package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/rollout/internal/service"
)

const (
	evaluationServiceName       = "rollout.v1.EvaluationService"
	EvaluateFullMethodName      = "/" + evaluationServiceName + "/Evaluate"
	EvaluateBatchFullMethodName = "/" + evaluationServiceName + "/EvaluateBatch"
)

// EvaluationServiceServer is the server API for rollout.v1.EvaluationService.
// Requests and responses are JSON-shaped [structpb.Struct] messages mirroring
// the HTTP evaluate endpoint.
type EvaluationServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// EvaluationServiceDesc describes rollout.v1.EvaluationService for
// [grpc.ServiceRegistrar.RegisterService].
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: evaluationServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "EvaluateBatch", Handler: evaluateBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rollout/v1/evaluation.proto",
}

// RegisterEvaluationServiceServer registers srv on registrar.
func RegisterEvaluationServiceServer(registrar grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	registrar.RegisterService(&EvaluationServiceDesc, srv)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).EvaluateBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateBatchFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).EvaluateBatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer implements EvaluationServiceServer on top of a [Service].
type GRPCServer struct {
	service Service
}

var _ EvaluationServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates a [GRPCServer].
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	return &GRPCServer{service: svc}
}

// Evaluate expects {"flag": name, "context": {...}} and returns the result
// object for that flag.
func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, err := decodeStructRequest(req)
	if err != nil {
		return nil, err
	}
	if len(request.Flags) > 0 {
		return nil, status.Error(codes.InvalidArgument, "use EvaluateBatch for flags")
	}

	names, evalContext, err := prepareEvaluation(ctx, request)
	if err != nil {
		return nil, toGRPCError(err)
	}

	result, err := s.service.Evaluate(ctx, names[0], evalContext)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStructResponse(result)
}

// EvaluateBatch expects {"flags": [names], "context": {...}} and returns
// {"results": {name: result}}.
func (s *GRPCServer) EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	request, err := decodeStructRequest(req)
	if err != nil {
		return nil, err
	}
	if request.Flag != "" {
		return nil, status.Error(codes.InvalidArgument, "use Evaluate for a single flag")
	}

	names, evalContext, err := prepareEvaluation(ctx, request)
	if err != nil {
		return nil, toGRPCError(err)
	}

	results, err := s.service.EvaluateBatch(ctx, names, evalContext)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStructResponse(evaluateResponse{Results: results})
}

func decodeStructRequest(req *structpb.Struct) (evaluateRequest, error) {
	if req == nil {
		return evaluateRequest{}, status.Error(codes.InvalidArgument, "request is required")
	}

	payload, err := protojson.Marshal(req)
	if err != nil {
		return evaluateRequest{}, status.Error(codes.InvalidArgument, "invalid request")
	}

	var request evaluateRequest
	if err := decodeStrictJSON(bytes.NewReader(payload), &request); err != nil {
		return evaluateRequest{}, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	return request, nil
}

func encodeStructResponse(payload any) (*structpb.Struct, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}

	return response, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return status.Error(codes.InvalidArgument, reqErr.message)
	case errors.Is(err, service.ErrInvalidFlag),
		errors.Is(err, service.ErrNameRequired),
		errors.Is(err, service.ErrBatchTooLarge):
		return status.Error(codes.InvalidArgument, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound):
		return status.Error(codes.NotFound, "flag not found")
	case errors.Is(err, service.ErrFlagExists):
		return status.Error(codes.AlreadyExists, "flag already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
