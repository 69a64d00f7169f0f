// Package registry maps task names to their executable contracts and
// parameter schemas.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
)

// DefaultTimeout applies to tasks that do not declare a timeout and when the
// engine has no default of its own.
const DefaultTimeout = 5 * time.Minute

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
)

// Func is a task's executable contract. The returned value must be
// JSON-serializable; it is stored as the execution result.
type Func func(ctx context.Context, params model.Params) (any, error)

// Task describes one registered task.
type Task struct {
	Name        string
	Description string
	Params      []Param
	Run         Func

	// Timeout bounds one attempt. Zero means the engine default.
	Timeout time.Duration
	// Retry overrides the engine's default policy. Nil means the default.
	Retry retry.Policy

	// Version increments on Replace.
	Version int
}

func (t *Task) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %q: Run required", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Params))
	for _, p := range t.Params {
		if p.Name == "" {
			return fmt.Errorf("task %q: parameter name required", t.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("task %q: duplicate parameter %q", t.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if !p.Type.valid() {
			return fmt.Errorf("task %q: parameter %q has unknown type %q", t.Name, p.Name, p.Type)
		}
		if p.Default != nil {
			if _, err := p.coerce(p.Default); err != nil {
				return fmt.Errorf("task %q: parameter %q default: %w", t.Name, p.Name, err)
			}
		}
	}
	return nil
}

// Registry is safe for concurrent use. Tasks are registered at startup and
// treated as immutable afterwards except through Replace.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds tasks; a duplicate name fails the whole call.
func (r *Registry) Register(tasks ...Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		t := tasks[i]
		if err := t.validate(); err != nil {
			return err
		}
		if _, ok := r.tasks[t.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	for i := range tasks {
		t := tasks[i]
		t.Version = max(t.Version, 1)
		r.tasks[t.Name] = &t
	}
	return nil
}

// Replace swaps an existing task definition and bumps its version.
// Jobs already bound to it are re-validated at dispatch time.
func (r *Registry) Replace(t Task) (int, error) {
	if err := t.validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, t.Name)
	}
	t.Version = cur.Version + 1
	r.tasks[t.Name] = &t
	return t.Version, nil
}

// Resolve returns the task registered under name.
func (r *Registry) Resolve(name string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t, nil
}

// Validate resolves name and binds params against its schema.
func (r *Registry) Validate(name string, params model.Params) (model.Params, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return t.Bind(params)
}

// List returns all tasks sorted by name.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
