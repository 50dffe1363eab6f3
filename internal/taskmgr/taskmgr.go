package taskmgr

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/deploy"
	"agent-executor/internal/model"
	"agent-executor/internal/scraper"
	"agent-executor/internal/store"
)

// Manager accepts task submissions and runs each deployment on its own
// goroutine. Tasks are independent: no ordering, no fairness, no shared
// mutable state beyond the idempotently-reused roles and runtime image.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	scrapers *scraper.Registry
	clients  *cloud.Clients
}

func NewManager(cfg *config.Config, st *store.Store, scrapers *scraper.Registry, clients *cloud.Clients) *Manager {
	return &Manager{cfg: cfg, store: st, scrapers: scrapers, clients: clients}
}

// Submit validates the request, persists the queued record, and starts the
// deployment in the background. Once this returns, a status query will
// always find the record.
func (m *Manager) Submit(prompt, scraperName string) (*model.Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if scraperName != "" {
		if _, err := m.scrapers.Lookup(scraperName); err != nil {
			return nil, err
		}
	}

	task := &model.Task{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Scraper:   scraperName,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	go m.run(task)
	return task, nil
}

func (m *Manager) run(task *model.Task) {
	logger, closeLog := m.taskLogger(task.ID)
	defer closeLog()

	logger.Printf("starting deployment for task %s", task.ID)
	pipeline := deploy.NewPipeline(m.cfg, m.clients, m.store, logger)
	pipeline.Run(context.Background(), task)
}

// taskLogger writes to logs/<task-id>.log (served by the /logs endpoint)
// and mirrors to stderr with a short task prefix.
func (m *Manager) taskLogger(taskID string) (*log.Logger, func()) {
	path := filepath.Join(m.cfg.Paths.LogsDir, taskID+".log")
	f, err := os.Create(path)
	if err != nil {
		log.Printf("could not create task log %s: %v", path, err)
		return log.New(os.Stderr, "["+taskID[:8]+"] ", log.LstdFlags), func() {}
	}
	logger := log.New(io.MultiWriter(f, os.Stderr), "["+taskID[:8]+"] ", log.LstdFlags)
	return logger, func() { f.Close() }
}

// Counts reports total and currently-active (queued or deploying) tasks.
func (m *Manager) Counts() (total, active int, err error) {
	tasks, err := m.store.List()
	if err != nil {
		return 0, 0, err
	}
	for _, t := range tasks {
		total++
		if t.Status == model.StatusQueued || t.Status == model.StatusDeploying {
			active++
		}
	}
	return total, active, nil
}

// TailLog returns the last n lines of a task's captured output.
func (m *Manager) TailLog(taskID string, n int) (string, int, error) {
	path := filepath.Join(m.cfg.Paths.LogsDir, taskID+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n", len(lines), nil
}

// SweepLogs removes task log files older than the retention window.
func (m *Manager) SweepLogs(logger *log.Logger) int {
	pattern := filepath.Join(m.cfg.Paths.LogsDir, "*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		logger.Printf("log sweep error: %v", err)
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.LogRetention())
	cleaned := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				logger.Printf("failed to remove log %s: %v", f, err)
			} else {
				cleaned++
			}
		}
	}
	if cleaned > 0 {
		logger.Printf("cleaned up %d old task logs", cleaned)
	}
	return cleaned
}
