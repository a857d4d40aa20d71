// Package plan holds planning sessions: ordered task lists owned by whoever
// orchestrates the session and handed to the sync bridge as todos.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/thebtf/mnemo/pkg/models"
)

// Task statuses, in the todo vocabulary.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEmptyTask is returned when a task has no content.
	ErrEmptyTask = errors.New("task content is empty")
)

// Task is one planned unit of work.
type Task struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Plan is a planning session. It is safe for concurrent use; separate plans
// share nothing.
type Plan struct {
	index     map[string]int
	id        string
	sessionID string
	tasks     []Task
	mu        sync.RWMutex
}

// Option configures a Plan.
type Option func(*Plan)

// WithID gives the plan a caller-chosen id. Todo ids derive from the plan id,
// so a plan re-created with the same id syncs onto the same issues.
func WithID(id string) Option {
	return func(p *Plan) {
		if id = strings.TrimSpace(id); id != "" {
			p.id = id
		}
	}
}

// New creates an empty plan for sessionID with a random id.
func New(sessionID string, opts ...Option) *Plan {
	p := &Plan{
		id:        uuid.NewString(),
		sessionID: sessionID,
		index:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the plan identifier.
func (p *Plan) ID() string { return p.id }

// SessionID returns the session the plan belongs to.
func (p *Plan) SessionID() string { return p.sessionID }

// AddTask appends a pending task and returns its id. Dependencies must
// already exist in the plan.
func (p *Plan) AddTask(content, priority string, dependsOn ...string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyTask
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, dep := range dependsOn {
		if _, ok := p.index[dep]; !ok {
			return "", fmt.Errorf("dependency %s: %w", dep, ErrTaskNotFound)
		}
	}

	id := fmt.Sprintf("t%d", len(p.tasks)+1)
	p.index[id] = len(p.tasks)
	p.tasks = append(p.tasks, Task{
		ID:        id,
		Content:   content,
		Status:    StatusPending,
		Priority:  priority,
		DependsOn: append([]string(nil), dependsOn...),
	})
	return id, nil
}

// SetStatus changes the status of a task.
func (p *Plan) SetStatus(id, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	p.tasks[i].Status = status
	return nil
}

// Tasks returns a copy of the tasks in insertion order.
func (p *Plan) Tasks() []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Task, len(p.tasks))
	for i, t := range p.tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out[i] = t
	}
	return out
}

// Ready returns pending tasks whose dependencies are all completed.
func (p *Plan) Ready() []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ready []Task
	for _, t := range p.tasks {
		if t.Status != StatusPending {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if p.tasks[p.index[dep]].Status != StatusCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	return ready
}

// Todos returns the plan as a todo list for the sync bridge.
func (p *Plan) Todos() []models.Todo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	todos := make([]models.Todo, 0, len(p.tasks))
	for _, t := range p.tasks {
		todos = append(todos, models.Todo{
			ID:       p.id + "/" + t.ID,
			Content:  t.Content,
			Status:   t.Status,
			Priority: t.Priority,
		})
	}
	return todos
}
