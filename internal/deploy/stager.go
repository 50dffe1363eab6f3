package deploy

import (
	"archive/zip"
	"bytes"
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/model"
)

// PayloadRefs are the storage keys the execution unit reads at startup.
type PayloadRefs struct {
	Bucket      string
	TaskKey     string
	ScriptKey   string
	ScrapersKey string
}

// Stager uploads the task prompt, the automation driver, and the scraper
// bundle to object storage under unit-correlated keys. Keys derive from the
// unit name rather than the task id so the shared driver code and the
// task-specific text stay distinct per unit.
type Stager struct {
	cfg       *config.Config
	objects   cloud.ObjectStore
	resources *Resources
	logger    *log.Logger
}

func NewStager(cfg *config.Config, objects cloud.ObjectStore, res *Resources, logger *log.Logger) *Stager {
	return &Stager{cfg: cfg, objects: objects, resources: res, logger: logger}
}

// Stage uploads every payload. Any failure aborts the launch: the unit
// cannot recover from a missing payload.
func (s *Stager) Stage(ctx context.Context, task *model.Task, unitName, account string) (PayloadRefs, error) {
	refs := PayloadRefs{
		Bucket:      s.cfg.Names.ResultsBucketPrefix + "-" + account,
		TaskKey:     unitName + "-task.txt",
		ScriptKey:   unitName + "-automation_task.py",
		ScrapersKey: unitName + "-scrapers.zip",
	}

	// The results bucket is shared across tasks and never cleaned up.
	if err := s.objects.EnsureBucket(ctx, refs.Bucket); err != nil {
		return refs, &StagingFailedError{Key: refs.Bucket, Err: err}
	}

	if err := s.put(ctx, refs.Bucket, refs.TaskKey, []byte(task.Prompt), "text/plain"); err != nil {
		return refs, err
	}

	script, err := os.ReadFile(s.cfg.Paths.DriverScript)
	if err != nil {
		return refs, &StagingFailedError{Key: refs.ScriptKey, Err: err}
	}
	if err := s.put(ctx, refs.Bucket, refs.ScriptKey, script, "text/plain"); err != nil {
		return refs, err
	}

	bundle, err := zipDir(s.cfg.Paths.ScrapersDir)
	if err != nil {
		return refs, &StagingFailedError{Key: refs.ScrapersKey, Err: err}
	}
	if err := s.put(ctx, refs.Bucket, refs.ScrapersKey, bundle, "application/zip"); err != nil {
		return refs, err
	}

	s.logger.Printf("payloads staged to s3://%s/{%s,%s,%s}", refs.Bucket, refs.TaskKey, refs.ScriptKey, refs.ScrapersKey)
	return refs, nil
}

func (s *Stager) put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := s.objects.Put(ctx, bucket, key, body, contentType); err != nil {
		return &StagingFailedError{Key: key, Err: err}
	}
	s.resources.AddObject(bucket, key)
	return nil
}

// zipDir packages every file under dir, keeping the directory's own name as
// the archive path prefix (scrapers/foo.py, not foo.py).
func zipDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	base := filepath.Base(dir)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(base, rel)))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
