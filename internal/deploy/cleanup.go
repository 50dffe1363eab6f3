package deploy

import (
	"context"
	"log"

	"agent-executor/internal/cloud"
)

// Cleaner deletes every ephemeral resource a run created. Each deletion is
// independently wrapped: one failure never prevents the rest, and the
// cleaner never returns an error to the caller. Shared long-lived resources
// (repository, roles, results bucket) are never registered here.
type Cleaner struct {
	clients *cloud.Clients
	logger  *log.Logger
}

func NewCleaner(clients *cloud.Clients, logger *log.Logger) *Cleaner {
	return &Cleaner{clients: clients, logger: logger}
}

func (c *Cleaner) Run(ctx context.Context, res *Resources) {
	items := res.Items()
	if len(items) == 0 {
		return
	}
	c.logger.Printf("cleaning up %d resources", len(items))

	// Objects before buckets, instances before their security groups.
	order := []ResourceKind{ResObject, ResBucket, ResBuildProject, ResInstance, ResSecurityGroup}
	for _, kind := range order {
		for _, it := range items {
			if it.Kind != kind {
				continue
			}
			if err := c.delete(ctx, it); err != nil {
				c.logger.Printf("warning: cleanup %s %s: %v", it.Kind, it.ID, err)
				continue
			}
			c.logger.Printf("cleaned up %s %s", it.Kind, it.ID)
		}
	}
}

func (c *Cleaner) delete(ctx context.Context, r Resource) error {
	switch r.Kind {
	case ResObject:
		return c.clients.Objects.Delete(ctx, r.ID, r.Extra)
	case ResBucket:
		return c.clients.Objects.DeleteBucket(ctx, r.ID)
	case ResBuildProject:
		return c.clients.Builds.DeleteProject(ctx, r.ID)
	case ResInstance:
		return c.clients.Compute.TerminateInstance(ctx, r.ID)
	case ResSecurityGroup:
		return c.clients.Compute.DeleteSecurityGroup(ctx, r.ID)
	}
	return nil
}
