package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/pkg/schema"
)

// handleStart launches a new execution for a project.
func (s *BidflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	initiator, err := req.RequireString("initiator")
	if err != nil {
		return mcp.NewToolResultError("initiator is required"), nil
	}

	startReq := engine.StartRequest{
		ProjectID: projectID,
		Initiator: initiator,
	}

	args := req.GetArguments()
	if stages, ok := args["stages"].([]any); ok {
		for _, v := range stages {
			stage, ok := v.(string)
			if !ok {
				return mcp.NewToolResultError("stages must be an array of stage names"), nil
			}
			startReq.Stages = append(startReq.Stages, schema.StageType(stage))
		}
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil {
		raw, marshalErr := json.Marshal(input)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", marshalErr)), nil
		}
		startReq.Input = raw
	}
	if configs := mcp.ParseStringMap(req, "stage_configs", nil); configs != nil {
		raw, marshalErr := json.Marshal(configs)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid stage_configs: %v", marshalErr)), nil
		}
		if unmarshalErr := json.Unmarshal(raw, &startReq.StageConfigs); unmarshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid stage_configs: %v", unmarshalErr)), nil
		}
	}

	snap, startErr := s.engine.Start(ctx, startReq)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	return marshalResult(snap)
}

// handleDecide routes a human decision to the execution.
func (s *BidflowServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}

	decision := schema.Decision{
		Kind:      schema.DecisionKind(kind),
		GateID:    req.GetString("gate_id", ""),
		DecidedBy: req.GetString("decided_by", "agent"),
	}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		decision.Payload = raw
	}

	snap, decErr := s.engine.SubmitDecision(ctx, executionID, decision)
	if decErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decErr)), nil
	}
	return marshalResult(snap)
}

// handleStatus returns the execution snapshot.
func (s *BidflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, snapErr := s.engine.Snapshot(ctx, executionID)
	if snapErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", snapErr)), nil
	}
	return marshalResult(snap)
}

// handleEvents reads the execution's event log after an offset.
func (s *BidflowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	var since int64
	if v, ok := req.GetArguments()["since"].(float64); ok {
		since = int64(v)
	}

	events, evErr := s.store.Events(ctx, executionID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleCancel terminates the execution.
func (s *BidflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	snap, cancelErr := s.engine.Cancel(ctx, executionID, reason)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(snap)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
