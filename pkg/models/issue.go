package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// IssueStatus is the status of an issue in the issue store.
type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusClosed     IssueStatus = "closed"
)

// Default issue priorities.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Issue is a row of the externally owned issue store.
type Issue struct {
	ExternalRef *string     `db:"external_ref" json:"external_ref,omitempty"`
	ClosedAt    *string     `db:"closed_at" json:"closed_at,omitempty"`
	ID          string      `db:"id" json:"id"`
	Title       string      `db:"title" json:"title"`
	Description string      `db:"description" json:"description"`
	Status      IssueStatus `db:"status" json:"status"`
	CreatedAt   string      `db:"created_at" json:"created_at"`
	UpdatedAt   string      `db:"updated_at" json:"updated_at"`
	Priority    int         `db:"priority" json:"priority"`
}

// Todo is a live todo item as delivered by the hook dispatcher.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Key returns the todo id, or a stable id derived from its content when the id is missing.
func (t Todo) Key() string {
	if id := strings.TrimSpace(t.ID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(t.Content)))
	return "todo-" + hex.EncodeToString(sum[:])[:12]
}

// IssueStatus maps the todo status onto the issue status vocabulary.
func (t Todo) IssueStatus() IssueStatus {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "completed", "done", "cancelled":
		return IssueStatusClosed
	case "in_progress", "in-progress":
		return IssueStatusInProgress
	default:
		return IssueStatusOpen
	}
}

// IssuePriority maps the todo priority onto the numeric issue priority.
func (t Todo) IssuePriority() int {
	switch strings.ToLower(strings.TrimSpace(t.Priority)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// SyncResult summarizes a todo sync run.
type SyncResult struct {
	Reason  string `json:"reason,omitempty"`
	Total   int    `json:"total"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Closed  int    `json:"closed"`
	Skipped bool   `json:"skipped"`
}
