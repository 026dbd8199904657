// Package task stores conversion tasks and their observable progress.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
)

// Registry is the shared store of tasks. Updates are atomic per task:
// readers observe either the state before a mutation or after it.
type Registry interface {
	// Create registers a pending task with a fresh id.
	Create(ctx context.Context, filename string) (domain.Task, error)

	// Get returns a snapshot of the task, or a NotFound error.
	Get(ctx context.Context, id string) (domain.Task, error)

	// Update applies mutate to a copy of the task and commits it if the
	// result is a legal successor. mutate may run more than once when a
	// driver retries a conflicting write, so it must set fields from the
	// task it is given rather than from captured state.
	Update(ctx context.Context, id string, mutate func(*domain.Task) error) (domain.Task, error)

	// Delete removes the task.
	Delete(ctx context.Context, id string) error

	Close() error
}

// New builds the registry selected by cfg.Driver.
func New(cfg config.RegistryConfig) (Registry, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryRegistry(cfg.TTL), nil
	case "redis":
		reg, err := NewRedisRegistry(cfg.Redis, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown registry driver %q", cfg.Driver), nil)
	}
}

func newID() string {
	return uuid.NewString()
}

// apply runs mutate on a copy of prev and validates the result.
func apply(prev domain.Task, mutate func(*domain.Task) error) (domain.Task, error) {
	next := prev
	if err := mutate(&next); err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateTransition(prev, next); err != nil {
		return domain.Task{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

func notFound(id string) error {
	return domain.NotFoundError(fmt.Sprintf("task %s not found", id), nil)
}
