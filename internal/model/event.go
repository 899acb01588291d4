package model

import "encoding/json"

// Event types appended to per-task NDJSON logs.
const (
	EventCommand               = "command"
	EventStream                = "stream"
	EventTimeout               = "timeout"
	EventArtifact              = "artifact"
	EventWorktreeCleanup       = "worktree_cleanup"
	EventSessionCreated        = "session_created"
	EventSessionResumed        = "session_resumed"
	EventSessionResumeFailed   = "session_resume_failed"
	EventSessionFallbackCreate = "session_fallback_created"
	EventAssistantText         = "assistant_text"
	EventStrategyGenerated     = "strategy_generated"
	EventPRFallback            = "pr_fallback"
	EventPlanBatchConfirm      = "plan_batch_confirm"
	EventPlanBatchRevise       = "plan_batch_revise"
)

// Event is one entry of a per-task event log. On the wire it is a flat JSON
// object: seq, ts and type at the top level with the variant payload merged
// in beside them.
type Event struct {
	Seq    int            `json:"-"`
	TS     string         `json:"-"`
	Type   string         `json:"-"`
	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens the event into a single JSON object. Payload fields
// cannot shadow seq, ts or type.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		flat[k] = v
	}
	flat["seq"] = e.Seq
	flat["ts"] = e.TS
	flat["type"] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat event object back into the envelope and the
// variant payload. Unknown fields are preserved in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	if seq, ok := flat["seq"].(float64); ok {
		e.Seq = int(seq)
	}
	if ts, ok := flat["ts"].(string); ok {
		e.TS = ts
	}
	if typ, ok := flat["type"].(string); ok {
		e.Type = typ
	}

	delete(flat, "seq")
	delete(flat, "ts")
	delete(flat, "type")
	e.Fields = flat
	return nil
}
