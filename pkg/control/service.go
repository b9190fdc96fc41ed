// Package control exposes the orchestration API over gRPC. Messages are
// google.protobuf.Struct values holding the JSON form of the domain types,
// so no generated code is needed on either side.
package control

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

const ServiceName = "hsu.fleet.v1.MasterService"

const (
	methodStatus     = "Status"
	methodSubmit     = "Submit"
	methodPause      = "Pause"
	methodResume     = "Resume"
	methodRollback   = "Rollback"
	methodGetRollout = "GetRollout"
	methodHistory    = "History"
	methodListUnits  = "ListUnits"
)

// MasterServiceServer is implemented by the server handler; every method
// takes and returns a Struct
type MasterServiceServer interface {
	Invoke(ctx context.Context, method string, request *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MasterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodStatus, Handler: methodHandler(methodStatus)},
		{MethodName: methodSubmit, Handler: methodHandler(methodSubmit)},
		{MethodName: methodPause, Handler: methodHandler(methodPause)},
		{MethodName: methodResume, Handler: methodHandler(methodResume)},
		{MethodName: methodRollback, Handler: methodHandler(methodRollback)},
		{MethodName: methodGetRollout, Handler: methodHandler(methodGetRollout)},
		{MethodName: methodHistory, Handler: methodHandler(methodHistory)},
		{MethodName: methodListUnits, Handler: methodHandler(methodListUnits)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/fleet/v1/master.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func methodHandler(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		server := srv.(MasterServiceServer)
		if interceptor == nil {
			return server.Invoke(ctx, method, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, req any) (any, error) {
			return server.Invoke(ctx, method, req.(*structpb.Struct))
		})
	}
}

type statusMessage struct {
	Status string `json:"status"`
}

type submitRequest struct {
	Manifest string `json:"manifest"`
}

type lineageRequest struct {
	Lineage  string `json:"lineage"`
	Revision int    `json:"revision,omitempty"`
}

type rolloutResponse struct {
	Rollout rollout.RolloutState `json:"rollout"`
}

type historyResponse struct {
	Revisions []rollout.Revision `json:"revisions"`
}

type unitsResponse struct {
	Units []units.UnitRecord `json:"units"`
}

func toStruct(value any) (*structpb.Struct, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode message", err)
	}
	result := &structpb.Struct{}
	if err := protojson.Unmarshal(data, result); err != nil {
		return nil, errors.NewInternalError("failed to encode message", err)
	}
	return result, nil
}

func fromStruct(message *structpb.Struct, value any) error {
	data, err := protojson.Marshal(message)
	if err != nil {
		return errors.NewValidationError("failed to decode message", err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return errors.NewValidationError("failed to decode message", err)
	}
	return nil
}

// toStatus carries the domain error type in the status details
func toStatus(err error) error {
	errorType := errors.TypeOf(err)

	code := codes.Internal
	switch errorType {
	case errors.ErrorTypeValidation, errors.ErrorTypeInvalidDesiredState:
		code = codes.InvalidArgument
	case errors.ErrorTypeNotFound:
		code = codes.NotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeStalledRollout:
		code = codes.FailedPrecondition
	case errors.ErrorTypeTimeout:
		code = codes.DeadlineExceeded
	case errors.ErrorTypeCancelled:
		code = codes.Canceled
	}

	st := status.New(code, err.Error())
	if errorType != "" {
		detail, detailErr := structpb.NewStruct(map[string]any{"type": string(errorType)})
		if detailErr == nil {
			if withDetails, withErr := st.WithDetails(detail); withErr == nil {
				st = withDetails
			}
		}
	}
	return st.Err()
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.NewNetworkError("control call failed", err)
	}

	var errorType errors.ErrorType
	for _, detail := range st.Details() {
		if fields, ok := detail.(*structpb.Struct); ok {
			errorType = errors.ErrorType(fields.GetFields()["type"].GetStringValue())
		}
	}
	if errorType == "" {
		switch st.Code() {
		case codes.Unavailable:
			errorType = errors.ErrorTypeNetwork
		case codes.DeadlineExceeded:
			errorType = errors.ErrorTypeTimeout
		case codes.Canceled:
			errorType = errors.ErrorTypeCancelled
		case codes.InvalidArgument:
			errorType = errors.ErrorTypeValidation
		case codes.NotFound:
			errorType = errors.ErrorTypeNotFound
		default:
			errorType = errors.ErrorTypeInternal
		}
	}

	message := strings.TrimPrefix(st.Message(), string(errorType)+": ")
	return errors.NewDomainError(errorType, message, nil)
}
