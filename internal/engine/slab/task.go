package slab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/terrpan/slabrunner/internal/engine"
)

// Task is the read-only projection of an orchestrator task.
type Task struct {
	ID         string
	Kind       engine.TaskKind
	Status     engine.TaskStatus
	InstanceID string
	Details    json.RawMessage
}

// taskPayload is the typed variant reported under the task kind key:
//
//	{"start": {"status": "done", "details": {...}, "instance_id": "i-0abc"}}
type taskPayload struct {
	Status     *string         `json:"status"`
	Details    json.RawMessage `json:"details"`
	InstanceID string          `json:"instance_id"`
}

// ParseTask decodes a task status body for the given kind.  A body that
// lacks the kind's variant, or whose status is missing or unknown, is
// rejected with a *ParseError.
func ParseTask(id string, kind engine.TaskKind, body []byte) (*Task, error) {
	if !kind.Valid() {
		return nil, &ParseError{Kind: kind, Err: fmt.Errorf("unknown task kind %q", kind)}
	}

	var variants map[string]json.RawMessage
	if err := json.Unmarshal(body, &variants); err != nil {
		return nil, &ParseError{Kind: kind, Err: err}
	}
	raw, ok := variants[string(kind)]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &ParseError{Kind: kind, Err: fmt.Errorf("no %q entry in response", kind)}
	}

	var p taskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ParseError{Kind: kind, Err: err}
	}
	if p.Status == nil {
		return nil, &ParseError{Kind: kind, Err: errors.New("missing status")}
	}

	status := engine.TaskStatus(strings.ToLower(strings.TrimSpace(*p.Status)))
	switch status {
	case engine.StatusPending, engine.StatusDone, engine.StatusFailed:
	default:
		return nil, &ParseError{Kind: kind, Err: fmt.Errorf("unknown status %q", *p.Status)}
	}

	return &Task{
		ID:         id,
		Kind:       kind,
		Status:     status,
		InstanceID: p.InstanceID,
		Details:    p.Details,
	}, nil
}

// detailsText renders task details for error messages.  String details
// are unquoted; anything else is returned as compact JSON.
func detailsText(details json.RawMessage) string {
	if len(details) == 0 || bytes.Equal(details, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(details, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, details); err != nil {
		return string(details)
	}
	return buf.String()
}
