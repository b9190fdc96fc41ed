package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Invoke(ctx context.Context, method string, request *structpb.Struct) (*structpb.Struct, error) {
	response, err := h.invoke(ctx, method, request)
	if err != nil {
		h.logger.Errorf("%s server handler: %v", method, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("%s server handler done", method)
	return response, nil
}

func (h *grpcServerHandler) invoke(ctx context.Context, method string, request *structpb.Struct) (*structpb.Struct, error) {
	switch method {
	case methodStatus:
		status, err := h.handler.Status(ctx)
		if err != nil {
			return nil, err
		}
		return toStruct(statusMessage{Status: status})

	case methodSubmit:
		var submit submitRequest
		if err := fromStruct(request, &submit); err != nil {
			return nil, err
		}
		manifest, err := desired.ParseManifest([]byte(submit.Manifest))
		if err != nil {
			return nil, err
		}
		state, err := manifest.DesiredState()
		if err != nil {
			return nil, err
		}
		result, err := h.handler.Submit(ctx, state)
		if err != nil {
			return nil, err
		}
		return toStruct(rolloutResponse{Rollout: result})

	case methodListUnits:
		var target lineageRequest
		if err := fromStruct(request, &target); err != nil {
			return nil, err
		}
		records, err := h.handler.ListUnits(ctx, target.Lineage)
		if err != nil {
			return nil, err
		}
		return toStruct(unitsResponse{Units: records})

	case methodHistory:
		var target lineageRequest
		if err := fromStruct(request, &target); err != nil {
			return nil, err
		}
		revisions, err := h.handler.History(ctx, target.Lineage)
		if err != nil {
			return nil, err
		}
		return toStruct(historyResponse{Revisions: revisions})
	}

	var target lineageRequest
	if err := fromStruct(request, &target); err != nil {
		return nil, err
	}
	if target.Lineage == "" {
		return nil, errors.NewValidationError("lineage is required", nil)
	}

	var response rolloutResponse
	var err error
	switch method {
	case methodPause:
		response.Rollout, err = h.handler.Pause(ctx, target.Lineage)
	case methodResume:
		response.Rollout, err = h.handler.Resume(ctx, target.Lineage)
	case methodRollback:
		response.Rollout, err = h.handler.Rollback(ctx, target.Lineage, target.Revision)
	case methodGetRollout:
		response.Rollout, err = h.handler.GetRollout(ctx, target.Lineage)
	default:
		return nil, errors.NewValidationError("unknown method: "+method, nil)
	}
	if err != nil {
		return nil, err
	}
	return toStruct(response)
}
