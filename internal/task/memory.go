package task

import (
	"context"
	"sync"
	"time"

	"github.com/spherical/markdown-ocr/internal/domain"
)

// MemoryRegistry implements Registry in process memory.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

// entry guards a single task so that updates to different ids never wait
// on each other.
type entry struct {
	mu   sync.Mutex
	task domain.Task
}

// NewMemoryRegistry creates an in-memory registry. When ttl is positive,
// terminal tasks older than ttl are removed in the background.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{
		tasks: make(map[string]*entry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}

	if ttl > 0 {
		go r.cleanup()
	}

	return r
}

// Create registers a pending task.
func (r *MemoryRegistry) Create(ctx context.Context, filename string) (domain.Task, error) {
	t := domain.NewTask(newID(), filename)

	r.mu.Lock()
	r.tasks[t.ID] = &entry{task: t}
	r.mu.Unlock()

	return t, nil
}

// Get returns a snapshot of the task.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (domain.Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// Update applies mutate atomically.
func (r *MemoryRegistry) Update(ctx context.Context, id string, mutate func(*domain.Task) error) (domain.Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := apply(e.task, mutate)
	if err != nil {
		return domain.Task{}, err
	}
	e.task = next
	return next, nil
}

// Delete removes a task.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return notFound(id)
	}
	delete(r.tasks, id)
	return nil
}

// Close stops the background cleanup.
func (r *MemoryRegistry) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *MemoryRegistry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e, ok
}

// sweep removes terminal tasks last updated before cutoff.
func (r *MemoryRegistry) sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.tasks {
		e.mu.Lock()
		expired := e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// cleanup periodically removes expired tasks.
func (r *MemoryRegistry) cleanup() {
	interval := r.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sweep(now.Add(-r.ttl))
		}
	}
}
