package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agent-executor/internal/model"
)

var ErrTaskNotFound = errors.New("task not found")

// Store persists one JSON file per task under dir. Reads and writes are
// read-modify-write under a process-wide mutex; concurrent writers from
// other processes get last-writer-wins, which callers must tolerate for the
// informational side-channel fields.
type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) Create(task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(task)
}

func (s *Store) Get(id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) List() ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var task model.Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Update applies fn to the current record and writes it back.
func (s *Store) Update(id string, fn func(*model.Task)) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.read(id)
	if err != nil {
		return nil, err
	}
	fn(task)
	if err := s.write(task); err != nil {
		return nil, err
	}
	return task, nil
}

// SetStatus transitions the task and stamps started_at/completed_at exactly
// once each. Once a task is terminal the call is a no-op, fn included.
func (s *Store) SetStatus(id string, status model.TaskStatus, fn func(*model.Task)) (*model.Task, error) {
	return s.Update(id, func(task *model.Task) {
		if task.Status.Terminal() {
			return
		}
		task.Status = status
		now := time.Now()
		if status == model.StatusDeploying && task.StartedAt == nil {
			task.StartedAt = &now
		}
		if status.Terminal() && task.CompletedAt == nil {
			task.CompletedAt = &now
		}
		if fn != nil {
			fn(task)
		}
	})
}

func (s *Store) read(id string) (*model.Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (s *Store) write(task *model.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(task.ID), data, 0644)
}
