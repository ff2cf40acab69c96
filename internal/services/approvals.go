package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/memory"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// ApprovalStore is the approval surface of the event memory.
type ApprovalStore interface {
	PendingApprovals() []models.Action
	ResolveApproval(id string, approved bool) (models.Action, error)
}

// ReportSource yields the latest operator report.
type ReportSource interface {
	Current(ctx context.Context) (models.Report, error)
}

// ApprovalsService implements api.ApprovalsServer. It only records decisions; the control
// loop executes approved actions on its next cycle.
type ApprovalsService struct {
	logger    *slog.Logger
	store     ApprovalStore
	reports   ReportSource
	owner     func() bool
	latencies *utils.LatencyTracker
}

// Option customises an ApprovalsService.
type Option func(*ApprovalsService)

// WithOwnership makes ListPending and Resolve answer Unavailable while owner reports
// false. Pending actions live in the lease holder's memory only.
func WithOwnership(owner func() bool) Option {
	return func(s *ApprovalsService) { s.owner = owner }
}

// NewApprovalsService constructs the approvals facade.
func NewApprovalsService(logger *slog.Logger, store ApprovalStore, reports ReportSource, opts ...Option) *ApprovalsService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ApprovalsService{
		logger:    logger,
		store:     store,
		reports:   reports,
		latencies: utils.NewLatencyTracker(1024),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ApprovalsService) checkStore() error {
	if s.store == nil {
		return status.Error(codes.FailedPrecondition, "approval store not configured")
	}
	if s.owner != nil && !s.owner() {
		return status.Error(codes.Unavailable, "replica is on standby; send approvals to the lease holder")
	}
	return nil
}

// ListPending returns every action waiting for a decision.
func (s *ApprovalsService) ListPending(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.checkStore(); err != nil {
		return nil, err
	}
	resp, err := api.ToProtoPendingResponse(s.store.PendingApprovals())
	if err != nil {
		s.logger.Error("encode pending approvals failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode pending approvals")
	}
	return resp, nil
}

// Resolve records an approve or reject decision. Repeating a decision on an already
// resolved action changes nothing and reports applied=false.
func (s *ApprovalsService) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.checkStore(); err != nil {
		return nil, err
	}
	domainReq, err := api.FromProtoResolveRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	action, err := s.store.ResolveApproval(domainReq.ActionID, domainReq.Approved)
	s.latencies.Observe(time.Since(start))

	result := api.ResolveResult{ActionID: domainReq.ActionID, ApprovalState: action.Approval}
	switch {
	case err == nil:
		result.Applied = true
		metrics.ApprovalResolved(domainReq.Approved, "applied")
		s.logger.Info("approval recorded",
			slog.String("action_id", domainReq.ActionID),
			slog.String("approval_state", string(action.Approval)),
			slog.String("approver", domainReq.Approver))
	case errors.Is(err, memory.ErrAlreadyResolved):
		result.Reason = "action already " + string(action.Approval)
		metrics.ApprovalResolved(domainReq.Approved, "repeated")
		s.logger.Info("approval repeat ignored",
			slog.String("action_id", domainReq.ActionID),
			slog.String("approval_state", string(action.Approval)))
	case errors.Is(err, memory.ErrUnknownAction):
		metrics.ApprovalResolved(domainReq.Approved, "failed")
		return nil, status.Errorf(codes.NotFound, "action %s not found", domainReq.ActionID)
	case errors.Is(err, memory.ErrNotPending):
		metrics.ApprovalResolved(domainReq.Approved, "failed")
		return nil, status.Errorf(codes.FailedPrecondition, "action %s does not require approval", domainReq.ActionID)
	case errors.Is(err, memory.ErrExpired):
		metrics.ApprovalResolved(domainReq.Approved, "failed")
		return nil, status.Errorf(codes.FailedPrecondition, "action %s expired before approval", domainReq.ActionID)
	default:
		metrics.ApprovalResolved(domainReq.Approved, "failed")
		s.logger.Error("resolve approval failed", slog.String("op", utils.Op(err)), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to resolve approval")
	}

	resp, err := api.ToProtoResolveResult(result)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode resolve result")
	}
	return resp, nil
}

// GetReport returns the current operator report.
func (s *ApprovalsService) GetReport(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.reports == nil {
		return nil, status.Error(codes.FailedPrecondition, "report source not configured")
	}
	rep, err := s.reports.Current(ctx)
	if err != nil {
		s.logger.Error("load report failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to load report")
	}
	resp, err := api.ToProtoReport(rep)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode report")
	}
	return resp, nil
}

// ResolveLatencyP95 returns the p95 latency of recorded decisions.
func (s *ApprovalsService) ResolveLatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
