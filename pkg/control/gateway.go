package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-fleet/pkg/desired"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/rollout"
	"github.com/core-tools/hsu-fleet/pkg/units"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) call(ctx context.Context, method string, request any, response any) error {
	in, err := toStruct(request)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := gw.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return fromStatus(err)
	}
	gw.logger.Debugf("%s client gateway done", method)
	return fromStruct(out, response)
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	var response statusMessage
	if err := gw.call(ctx, methodStatus, struct{}{}, &response); err != nil {
		return "", err
	}
	return response.Status, nil
}

func (gw *grpcClientGateway) Submit(ctx context.Context, state desired.DesiredState) (rollout.RolloutState, error) {
	manifest, err := desired.ManifestOf(state).Marshal()
	if err != nil {
		return rollout.RolloutState{}, err
	}
	var response rolloutResponse
	if err := gw.call(ctx, methodSubmit, submitRequest{Manifest: string(manifest)}, &response); err != nil {
		return rollout.RolloutState{}, err
	}
	return response.Rollout, nil
}

func (gw *grpcClientGateway) rolloutCall(ctx context.Context, method string, request lineageRequest) (rollout.RolloutState, error) {
	var response rolloutResponse
	if err := gw.call(ctx, method, request, &response); err != nil {
		return rollout.RolloutState{}, err
	}
	return response.Rollout, nil
}

func (gw *grpcClientGateway) Pause(ctx context.Context, lineage string) (rollout.RolloutState, error) {
	return gw.rolloutCall(ctx, methodPause, lineageRequest{Lineage: lineage})
}

func (gw *grpcClientGateway) Resume(ctx context.Context, lineage string) (rollout.RolloutState, error) {
	return gw.rolloutCall(ctx, methodResume, lineageRequest{Lineage: lineage})
}

func (gw *grpcClientGateway) Rollback(ctx context.Context, lineage string, revision int) (rollout.RolloutState, error) {
	return gw.rolloutCall(ctx, methodRollback, lineageRequest{Lineage: lineage, Revision: revision})
}

func (gw *grpcClientGateway) GetRollout(ctx context.Context, lineage string) (rollout.RolloutState, error) {
	return gw.rolloutCall(ctx, methodGetRollout, lineageRequest{Lineage: lineage})
}

func (gw *grpcClientGateway) History(ctx context.Context, lineage string) ([]rollout.Revision, error) {
	var response historyResponse
	if err := gw.call(ctx, methodHistory, lineageRequest{Lineage: lineage}, &response); err != nil {
		return nil, err
	}
	return response.Revisions, nil
}

func (gw *grpcClientGateway) ListUnits(ctx context.Context, lineage string) ([]units.UnitRecord, error) {
	var response unitsResponse
	if err := gw.call(ctx, methodListUnits, lineageRequest{Lineage: lineage}, &response); err != nil {
		return nil, err
	}
	return response.Units, nil
}
