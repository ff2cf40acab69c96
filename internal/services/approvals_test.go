package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

type staticReports struct {
	report models.Report
	err    error
}

func (s staticReports) Current(context.Context) (models.Report, error) {
	return s.report, s.err
}

func seeded(t *testing.T) *memory.Memory {
	t.Helper()
	mem := memory.New(100, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	proposed := time.Date(2024, 11, 29, 12, 0, 0, 0, time.UTC)
	mem.PutAction(models.Action{
		ID: "pending-1", Type: models.ActionReroute, Target: "HDFC",
		RequiresApproval: true, Approval: models.ApprovalPending, ProposedAt: proposed, State: models.Proposed{},
	})
	mem.PutAction(models.Action{
		ID: "auto-1", Type: models.ActionAdjustRetry, Target: "ICICI",
		Approval: models.ApprovalAuto, ProposedAt: proposed, State: models.Proposed{},
	})
	return mem
}

func dial(t *testing.T, svc api.ApprovalsServer) *api.ApprovalsClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, svc)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewApprovalsClient(conn)
}

func resolveReq(t *testing.T, id string, approved bool) *structpb.Struct {
	t.Helper()
	req, err := api.ToProtoResolveRequest(api.ResolveRequest{ActionID: id, Approved: approved, Approver: "oncall"})
	require.NoError(t, err)
	return req
}

func TestListPendingOverGRPC(t *testing.T) {
	client := dial(t, NewApprovalsService(nil, seeded(t), nil))

	resp, err := client.ListPending(context.Background())
	require.NoError(t, err)
	records, err := api.FromProtoPendingResponse(resp)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pending-1", records[0].ID)
	assert.Equal(t, models.ApprovalPending, records[0].ApprovalState)
}

func TestResolveIsIdempotent(t *testing.T) {
	mem := seeded(t)
	client := dial(t, NewApprovalsService(nil, mem, nil))
	ctx := context.Background()

	resp, err := client.Resolve(ctx, resolveReq(t, "pending-1", true))
	require.NoError(t, err)
	first, err := api.FromProtoResolveResult(resp)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, models.ApprovalApproved, first.ApprovalState)

	resp, err = client.Resolve(ctx, resolveReq(t, "pending-1", false))
	require.NoError(t, err)
	second, err := api.FromProtoResolveResult(resp)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, models.ApprovalApproved, second.ApprovalState)
	assert.NotEmpty(t, second.Reason)

	stored, ok := mem.Action("pending-1")
	require.True(t, ok)
	assert.Equal(t, models.ApprovalApproved, stored.Approval)
	assert.Equal(t, models.StatusProposed, stored.Status())
	assert.Empty(t, mem.PendingApprovals())
}

func TestResolveErrorCodes(t *testing.T) {
	client := dial(t, NewApprovalsService(nil, seeded(t), nil))
	ctx := context.Background()

	_, err := client.Resolve(ctx, resolveReq(t, "missing", true))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Resolve(ctx, resolveReq(t, "auto-1", true))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	bad, err := structpb.NewStruct(map[string]any{"approved": true})
	require.NoError(t, err)
	_, err = client.Resolve(ctx, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestResolveExpiredAction(t *testing.T) {
	mem := seeded(t)
	mem.Ingest([]models.Event{{
		TransactionID: "tx-late", Timestamp: time.Date(2024, 11, 29, 13, 0, 0, 0, time.UTC),
		PaymentMethod: models.MethodCard, Issuer: "HDFC", Status: models.PaymentSuccess, LatencyMs: 100,
	}})
	require.Len(t, mem.ExpirePending(30*time.Minute), 1)
	client := dial(t, NewApprovalsService(nil, mem, nil))

	_, err := client.Resolve(context.Background(), resolveReq(t, "pending-1", true))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	stored, _ := mem.Action("pending-1")
	assert.Equal(t, models.ApprovalExpired, stored.Approval)
}

func TestStandbyReplicaRefusesApprovals(t *testing.T) {
	var owner atomic.Bool
	reports := staticReports{report: models.Report{Cycles: 2}}
	client := dial(t, NewApprovalsService(nil, seeded(t), reports, WithOwnership(owner.Load)))
	ctx := context.Background()

	_, err := client.ListPending(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	_, err = client.Resolve(ctx, resolveReq(t, "pending-1", true))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	_, err = client.GetReport(ctx)
	require.NoError(t, err)

	owner.Store(true)
	resp, err := client.Resolve(ctx, resolveReq(t, "pending-1", true))
	require.NoError(t, err)
	result, err := api.FromProtoResolveResult(resp)
	require.NoError(t, err)
	assert.True(t, result.Applied)
}

func TestGetReport(t *testing.T) {
	reports := staticReports{report: models.Report{Cycles: 4, TotalActions: 2, ActionEffectiveness: 0.5}}
	client := dial(t, NewApprovalsService(nil, seeded(t), reports))

	resp, err := client.GetReport(context.Background())
	require.NoError(t, err)
	rep, err := api.FromProtoReport(resp)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Cycles)
	assert.InDelta(t, 0.5, rep.ActionEffectiveness, 1e-9)
}

func TestGetReportFailures(t *testing.T) {
	svc := NewApprovalsService(nil, nil, nil)
	_, err := svc.GetReport(context.Background(), nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	svc = NewApprovalsService(nil, nil, staticReports{err: errors.New("cache down")})
	_, err = svc.GetReport(context.Background(), nil)
	assert.Equal(t, codes.Internal, status.Code(err))

	_, err = svc.ListPending(context.Background(), nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
