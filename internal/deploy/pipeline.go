package deploy

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/model"
	"agent-executor/internal/store"
)

// cloudflareHint is appended to every prompt so the agent handles
// verification interstitials instead of stalling on them.
const cloudflareHint = "\n\nIn case you see a verification checkbox, always wait 10 seconds for the verification checkbox to appear. Once it appears, click it once, and wait 5 more seconds."

// Pipeline runs one task end to end: build, identity, stage, launch,
// monitor, with guaranteed cleanup of per-run resources. Phases are strictly
// sequential; a phase error aborts the rest and marks the record failed.
type Pipeline struct {
	cfg     *config.Config
	clients *cloud.Clients
	store   *store.Store
	logger  *log.Logger

	// unitName is swappable for deterministic tests.
	unitName func() string
}

func NewPipeline(cfg *config.Config, clients *cloud.Clients, st *store.Store, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		clients: clients,
		store:   st,
		logger:  logger,
		unitName: func() string {
			return fmt.Sprintf("%s-%d", cfg.Names.UnitPrefix, 1000+rand.Intn(9000))
		},
	}
}

func (p *Pipeline) Run(ctx context.Context, task *model.Task) {
	resources := NewResources()
	cleaner := NewCleaner(p.clients, p.logger)
	// Cleanup always runs, on success, failure or cancellation, with a
	// fresh context so a canceled run still tears down.
	defer cleaner.Run(context.Background(), resources)

	if _, err := p.store.SetStatus(task.ID, model.StatusDeploying, nil); err != nil {
		p.logger.Printf("record update: %v", err)
	}

	account, err := p.clients.Identity.AccountID(ctx)
	if err != nil {
		p.fail(task.ID, fmt.Errorf("resolve account: %w", err))
		return
	}

	provisioner := NewProvisioner(p.cfg, p.clients.Identity, p.logger)
	builder := NewBuilder(p.cfg, p.clients, provisioner, resources, p.logger)
	imageTag, err := builder.EnsureImage(ctx, account)
	if err != nil {
		p.fail(task.ID, err)
		return
	}

	roleName, err := provisioner.EnsureInstanceRole(ctx)
	if err != nil {
		p.fail(task.ID, err)
		return
	}

	unitName := p.unitName()
	p.logger.Printf("unit name: %s", unitName)

	staged := *task
	staged.Prompt = task.Prompt + cloudflareHint
	stager := NewStager(p.cfg, p.clients.Objects, resources, p.logger)
	refs, err := stager.Stage(ctx, &staged, unitName, account)
	if err != nil {
		p.fail(task.ID, err)
		return
	}

	launcher := NewLauncher(p.cfg, p.clients.Compute, resources, p.logger)
	unit, err := launcher.Launch(ctx, &staged, refs, unitName, roleName, imageTag)
	if err != nil {
		p.fail(task.ID, err)
		return
	}

	if _, err := p.store.Update(task.ID, func(t *model.Task) {
		t.InstanceID = unit.InstanceID
		t.ImageTag = imageTag
	}); err != nil {
		p.logger.Printf("record update: %v", err)
	}

	monitor := NewMonitor(p.cfg, p.clients.Objects, p.clients.Compute, p.logger)
	monitor.OnHotlink = func(url string) {
		if _, err := p.store.Update(task.ID, func(t *model.Task) {
			t.BrowserHotlink = url
		}); err != nil {
			p.logger.Printf("record update: %v", err)
		}
	}

	outcome := monitor.Watch(ctx, unit, task.ID, account)
	p.record(task.ID, outcome)
}

func (p *Pipeline) record(taskID string, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeCompleted:
		zero := 0
		if _, err := p.store.SetStatus(taskID, model.StatusCompleted, func(t *model.Task) {
			t.AutomationResult = outcome.Result
			t.ReturnCode = &zero
		}); err != nil {
			p.logger.Printf("record update: %v", err)
		}
		p.logger.Printf("task completed")
	case OutcomeFailed:
		if _, err := p.store.SetStatus(taskID, model.StatusFailed, func(t *model.Task) {
			t.Error = outcome.Reason
		}); err != nil {
			p.logger.Printf("record update: %v", err)
		}
		p.logger.Printf("task failed: %s", outcome.Reason)
	case OutcomeTimedOut:
		// Timeout is not failure: the unit may still be running and its
		// self-shutdown timer is independent. The record keeps its last
		// status; only the reason is noted.
		if _, err := p.store.Update(taskID, func(t *model.Task) {
			t.Error = "timeout: " + outcome.Reason
		}); err != nil {
			p.logger.Printf("record update: %v", err)
		}
		p.logger.Printf("monitoring timed out: %s", outcome.Reason)
	}
}

func (p *Pipeline) fail(taskID string, err error) {
	p.logger.Printf("deployment failed: %v", err)
	if _, uerr := p.store.SetStatus(taskID, model.StatusFailed, func(t *model.Task) {
		t.Error = err.Error()
	}); uerr != nil {
		p.logger.Printf("record update: %v", uerr)
	}
}
