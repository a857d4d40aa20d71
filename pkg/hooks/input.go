// Package hooks decodes agent hook payloads and routes them to the sync bridge.
package hooks

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/thebtf/mnemo/pkg/models"
)

// Event names understood by the dispatcher. Host event names are mapped onto
// these by Kind.
const (
	EventTodosChanged = "todos-changed"
	EventIdle         = "idle"
)

// todoTool is the host tool whose invocation carries the full todo list.
const todoTool = "TodoWrite"

// BaseInput contains fields common to all hook payloads.
type BaseInput struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	PermissionMode string `json:"permission_mode,omitempty"`
	HookEventName  string `json:"hook_event_name"`
}

// ToolInput is the tool invocation part of a tool-use payload.
type ToolInput struct {
	Todos []models.Todo `json:"todos,omitempty"`
}

// Input is a hook payload as written to stdin by the host.
type Input struct {
	ToolInput *ToolInput `json:"tool_input,omitempty"`
	BaseInput
	ToolName string        `json:"tool_name,omitempty"`
	Todos    []models.Todo `json:"todos,omitempty"`
}

// Decode reads one hook payload from r. An empty payload decodes to a zero Input.
func Decode(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read hook input: %w", err)
	}
	in := &Input{}
	if strings.TrimSpace(string(data)) == "" {
		return in, nil
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	return in, nil
}

// TodoList returns the todos carried by the payload, top-level first.
// ok is false when the payload carries no todo list at all.
func (in *Input) TodoList() (todos []models.Todo, ok bool) {
	if in.Todos != nil {
		return in.Todos, true
	}
	if in.ToolInput != nil && in.ToolInput.Todos != nil {
		return in.ToolInput.Todos, true
	}
	return nil, false
}

// Kind maps the host event onto a dispatcher event, or "" when the event is not handled.
func (in *Input) Kind() string {
	switch normalizeEvent(in.HookEventName) {
	case "todoschanged", "todowrite":
		return EventTodosChanged
	case "posttooluse":
		if strings.EqualFold(in.ToolName, todoTool) {
			return EventTodosChanged
		}
	case "idle", "stop", "subagentstop", "sessionend":
		return EventIdle
	}
	return ""
}

var eventNormalizer = strings.NewReplacer("-", "", "_", "", " ", "")

// normalizeEvent folds "PostToolUse", "post_tool_use" and "post-tool-use" together.
func normalizeEvent(name string) string {
	return eventNormalizer.Replace(strings.ToLower(strings.TrimSpace(name)))
}
