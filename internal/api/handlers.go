package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// ResolveRequest is the decoded body of a Resolve call.
type ResolveRequest struct {
	ActionID string
	Approved bool
	Approver string
}

// ResolveResult reports what a Resolve call did. Applied is false for idempotent repeats.
type ResolveResult struct {
	ActionID      string               `json:"action_id"`
	Applied       bool                 `json:"applied"`
	ApprovalState models.ApprovalState `json:"approval_state"`
	Reason        string               `json:"reason,omitempty"`
}

// FromProtoResolveRequest validates and decodes a Resolve request.
func FromProtoResolveRequest(req *structpb.Struct) (ResolveRequest, error) {
	if req == nil {
		return ResolveRequest{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()
	id := strings.TrimSpace(fields["action_id"].GetStringValue())
	if id == "" {
		return ResolveRequest{}, fmt.Errorf("action_id is required")
	}
	approved, ok := fields["approved"]
	if !ok {
		return ResolveRequest{}, fmt.Errorf("approved is required")
	}
	if _, isBool := approved.GetKind().(*structpb.Value_BoolValue); !isBool {
		return ResolveRequest{}, fmt.Errorf("approved must be a boolean")
	}
	return ResolveRequest{
		ActionID: id,
		Approved: approved.GetBoolValue(),
		Approver: fields["approver"].GetStringValue(),
	}, nil
}

// ToProtoResolveRequest builds a Resolve request.
func ToProtoResolveRequest(req ResolveRequest) (*structpb.Struct, error) {
	fields := map[string]any{
		"action_id": req.ActionID,
		"approved":  req.Approved,
	}
	if req.Approver != "" {
		fields["approver"] = req.Approver
	}
	return structpb.NewStruct(fields)
}

// ToProtoResolveResult converts a resolve outcome into the wire form.
func ToProtoResolveResult(res ResolveResult) (*structpb.Struct, error) {
	return toStruct(res)
}

// FromProtoResolveResult decodes a resolve outcome.
func FromProtoResolveResult(msg *structpb.Struct) (ResolveResult, error) {
	var res ResolveResult
	err := fromStruct(msg, &res)
	return res, err
}

// ToProtoPendingResponse wraps pending actions as {"actions": [...]}.
func ToProtoPendingResponse(actions []models.Action) (*structpb.Struct, error) {
	records := make([]models.ActionRecord, 0, len(actions))
	for _, a := range actions {
		records = append(records, a.Record())
	}
	return toStruct(struct {
		Actions []models.ActionRecord `json:"actions"`
	}{Actions: records})
}

// FromProtoPendingResponse decodes a ListPending response.
func FromProtoPendingResponse(msg *structpb.Struct) ([]models.ActionRecord, error) {
	var body struct {
		Actions []models.ActionRecord `json:"actions"`
	}
	if err := fromStruct(msg, &body); err != nil {
		return nil, err
	}
	return body.Actions, nil
}

// ToProtoReport converts the report into a Struct.
func ToProtoReport(rep models.Report) (*structpb.Struct, error) {
	return toStruct(rep)
}

// FromProtoReport decodes a GetReport response.
func FromProtoReport(msg *structpb.Struct) (models.Report, error) {
	var rep models.Report
	err := fromStruct(msg, &rep)
	return rep, err
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return structpb.NewStruct(fields)
}

func fromStruct(msg *structpb.Struct, out any) error {
	if msg == nil {
		return fmt.Errorf("response is nil")
	}
	raw, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}
