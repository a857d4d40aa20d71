package hooks

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thebtf/mnemo/internal/beads"
	"github.com/thebtf/mnemo/pkg/models"
)

// Syncer is the bridge surface the dispatcher drives.
type Syncer interface {
	SyncTodos(ctx context.Context, sessionID string, todos []models.Todo, opts beads.SyncOptions) (*models.SyncResult, error)
	SyncObservationsIntoIssues(ctx context.Context) (*beads.PassResult, error)
	SyncIssuesIntoObservations(ctx context.Context) (*beads.PassResult, error)
}

// Result reports what a dispatch did. Nil fields were not run.
type Result struct {
	Todos        *models.SyncResult `json:"todos,omitempty"`
	Observations *beads.PassResult  `json:"observations,omitempty"`
	Issues       *beads.PassResult  `json:"issues,omitempty"`
	Event        string             `json:"event"`
	Ignored      bool               `json:"ignored,omitempty"`
}

// Dispatcher routes hook payloads to the sync bridge.
type Dispatcher struct {
	sync Syncer
	log  zerolog.Logger
}

// NewDispatcher creates a dispatcher over sync.
func NewDispatcher(sync Syncer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sync: sync,
		log:  log.With().Str("component", "hooks").Logger(),
	}
}

// Dispatch handles one payload. A todo change syncs the session's todos; an
// idle event additionally runs both one-way passes. Each step runs even when
// an earlier one fails; the errors are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{Event: in.Kind()}
	if res.Event == "" {
		res.Ignored = true
		d.log.Debug().Str("hook_event_name", in.HookEventName).Msg("Hook event ignored")
		return res, nil
	}

	var errs []error
	if todos, ok := in.TodoList(); ok && strings.TrimSpace(in.SessionID) != "" {
		var err error
		res.Todos, err = d.sync.SyncTodos(ctx, in.SessionID, todos, beads.SyncOptions{CloseMissing: true})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if res.Event == EventIdle {
		var err error
		if res.Observations, err = d.sync.SyncObservationsIntoIssues(ctx); err != nil {
			errs = append(errs, err)
		}
		if res.Issues, err = d.sync.SyncIssuesIntoObservations(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		d.log.Warn().Err(err).Str("event", res.Event).Str("session_id", in.SessionID).Msg("Hook dispatch failed")
	}
	return res, err
}
