package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/karflow/internal/store"
)

// handleMessages searches public-health messages.
func (s *Server) handleMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	mf := store.MessageFilter{
		PatientID:          extractString(filter, "patient_id"),
		EncounterID:        extractString(filter, "encounter_id"),
		NotifiedResourceID: extractString(filter, "notified_resource_id"),
		CorrelationID:      extractString(filter, "x_correlation_id"),
		RequestID:          extractString(filter, "x_request_id"),
		SubmittedDataID:    extractString(filter, "submitted_data_id"),
		SubmittedMessageID: extractString(filter, "submitted_message_id"),
		KARUniqueID:        extractString(filter, "kar_unique_id"),
		RunID:              extractString(filter, "run_id"),
		Version:            extractInt(filter, "submitted_version_number", 0),
		Limit:              extractInt(filter, "limit", 50),
		Offset:             extractInt(filter, "offset", 0),
	}
	since, err := extractTime(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mf.Since = since

	msgs, err := s.store.ListPHMessages(ctx, mf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if !req.GetBool("include_payload", false) {
		for _, m := range msgs {
			m.SubmittedCdaData = ""
			m.SubmittedFHIRData = nil
		}
	}
	return marshalResult(map[string]any{"messages": msgs, "count": len(msgs)})
}

// handleRuns lists runs.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := store.RunFilter{
		KARID:     extractString(filter, "kar_id"),
		PatientID: extractString(filter, "patient_id"),
		Status:    extractString(filter, "status"),
		Limit:     extractInt(filter, "limit", 50),
	}
	since, err := extractTime(filter, "since")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rf.Since = since

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// handleLedger returns a run with its archived ledger.
func (s *Server) handleLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}

	if req.GetBool("latest_only", false) {
		latest, err := store.ReplayStatuses(ctx, s.store, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ledger replay failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": run, "latest": latest})
	}

	records, err := s.store.ListActionStatuses(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ledger query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run": run, "ledger": records})
}

// handleScheduled lists scheduled actions without their snapshots.
func (s *Server) handleScheduled(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.store.ListScheduledActions(ctx, store.ScheduledActionFilter{
		Status: req.GetString("status", ""),
		RunID:  req.GetString("run_id", ""),
		Limit:  req.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	for _, j := range jobs {
		j.Snapshot = nil
	}
	return marshalResult(map[string]any{"scheduled": jobs, "count": len(jobs)})
}

// handleArtifacts lists loaded artifacts.
func (s *Server) handleArtifacts(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.artifacts == nil {
		return mcp.NewToolResultError("no artifact repository configured"), nil
	}
	infos := s.artifacts.List()
	return marshalResult(map[string]any{"artifacts": infos, "count": len(infos)})
}

// handleValidate runs the validation pipeline over a definition.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("no validator configured"), nil
	}
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	kar, result := s.validator.ValidateDocument(ctx, raw)
	out := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if kar != nil {
		out["kar_unique_id"] = kar.VersionUniqueID()
	}
	return marshalResult(out)
}

// --- Helpers ---

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) (*time.Time, error) {
	s := extractString(filter, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp: %v", key, err)
	}
	return &t, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
