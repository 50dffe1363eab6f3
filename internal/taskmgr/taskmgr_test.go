package taskmgr

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/model"
	"agent-executor/internal/scraper"
	"agent-executor/internal/store"
)

// stubIdentity fails account resolution so a submitted deployment aborts
// before touching any other client.
type stubIdentity struct{}

func (stubIdentity) RoleExists(context.Context, string) (bool, error) { return false, nil }
func (stubIdentity) CreateRole(context.Context, cloud.RoleSpec) error { return nil }
func (stubIdentity) AccountID(context.Context) (string, error) {
	return "", errors.New("credentials unavailable")
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.LogsDir = t.TempDir()
	cfg.LogRetentionHours = 1

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	scrapers := scraper.NewRegistry()
	if err := scrapers.Register(scraper.Scraper{Name: "insights"}); err != nil {
		t.Fatal(err)
	}
	clients := &cloud.Clients{Identity: stubIdentity{}}
	return NewManager(cfg, st, scrapers, clients), st, cfg
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	if _, err := m.Submit("  ", ""); err == nil {
		t.Fatalf("blank prompt must be rejected")
	}
	_, err := m.Submit("check price", "unknown")
	if !errors.Is(err, scraper.ErrCapabilityNotFound) {
		t.Fatalf("unknown scraper: got %v", err)
	}
}

func TestSubmit_RecordVisibleImmediately(t *testing.T) {
	t.Parallel()

	m, st, _ := newTestManager(t)

	task, err := m.Submit("check price", "insights")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.StatusQueued {
		t.Fatalf("initial status = %s", task.Status)
	}

	// The record is durable before Submit returns, whatever the background
	// deployment does next.
	got, err := st.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Prompt != "check price" || got.Scraper != "insights" {
		t.Fatalf("persisted record incomplete: %+v", got)
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()

	m, st, _ := newTestManager(t)
	now := time.Now()
	for i, status := range []model.TaskStatus{model.StatusQueued, model.StatusDeploying, model.StatusCompleted} {
		task := &model.Task{ID: string(rune('a' + i)), Status: status, CreatedAt: now}
		if err := st.Create(task); err != nil {
			t.Fatal(err)
		}
	}

	total, active, err := m.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || active != 2 {
		t.Fatalf("total=%d active=%d, want 3/2", total, active)
	}
}

func TestTailLog(t *testing.T) {
	t.Parallel()

	m, _, cfg := newTestManager(t)
	path := filepath.Join(cfg.Paths.LogsDir, "task-1.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\nfive\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	content, lines, err := m.TailLog("task-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if lines != 3 {
		t.Fatalf("lines = %d", lines)
	}
	if content != "three\nfour\nfive\n" {
		t.Fatalf("content = %q", content)
	}

	if _, _, err := m.TailLog("missing", 3); err == nil {
		t.Fatalf("missing log must error")
	}
}

func TestSweepLogs(t *testing.T) {
	t.Parallel()

	m, _, cfg := newTestManager(t)
	old := filepath.Join(cfg.Paths.LogsDir, "old.log")
	fresh := filepath.Join(cfg.Paths.LogsDir, "fresh.log")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cleaned := m.SweepLogs(log.New(&buf, "", 0))
	if cleaned != 1 {
		t.Fatalf("cleaned = %d, want 1", cleaned)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("stale log still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh log removed: %v", err)
	}
	if !strings.Contains(buf.String(), "cleaned up 1 old task logs") {
		t.Fatalf("sweep not logged: %s", buf.String())
	}
}
