package stagetask

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TaskStore is a concurrency-safe in-memory store for backend-side task
// tracking.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewTaskStore returns an initialized TaskStore ready for use.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*Task),
	}
}

// Create stores a new task. It returns an error if a task with the same ID
// already exists.
func (s *TaskStore) Create(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %q already exists", task.ID)
	}
	s.tasks[task.ID] = &task
	return nil
}

// Get returns a deep copy of the task with the given ID. The returned copy is
// safe to mutate without affecting the store.
func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	return deepCopyTask(t), nil
}

// Update applies fn to the stored task under a write lock. Mutations are
// applied in place.
func (s *TaskStore) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	fn(t)
	return nil
}

// Delete discards a task. Deleting an unknown id is a no-op.
func (s *TaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// deepCopyTask returns a copy of src whose slices are independent.
func deepCopyTask(src *Task) *Task {
	dst := *src

	if src.Logs != nil {
		dst.Logs = make([]string, len(src.Logs))
		copy(dst.Logs, src.Logs)
	}

	if src.Result != nil {
		dst.Result = make(json.RawMessage, len(src.Result))
		copy(dst.Result, src.Result)
	}

	return &dst
}
