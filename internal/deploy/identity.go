package deploy

import (
	"context"
	"fmt"
	"log"
	"time"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
)

const trustPolicyTemplate = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "%s"},
      "Action": "sts:AssumeRole"
    }
  ]
}`

var instanceRolePolicies = []string{
	"arn:aws:iam::aws:policy/AmazonEC2ReadOnlyAccess",
	"arn:aws:iam::aws:policy/AmazonS3FullAccess",
	"arn:aws:iam::aws:policy/AmazonEC2ContainerRegistryReadOnly",
}

var buildRolePolicies = []string{
	"arn:aws:iam::aws:policy/CloudWatchLogsFullAccess",
	"arn:aws:iam::aws:policy/AmazonEC2ContainerRegistryPowerUser",
	"arn:aws:iam::aws:policy/AmazonS3ReadOnlyAccess",
}

// Provisioner creates the execution identities idempotently. Roles are
// shared across tasks by design; concurrent first-use races resolve because
// "already exists" is treated as success.
type Provisioner struct {
	cfg      *config.Config
	identity cloud.Identity
	logger   *log.Logger

	sleep func(time.Duration)
}

func NewProvisioner(cfg *config.Config, identity cloud.Identity, logger *log.Logger) *Provisioner {
	return &Provisioner{cfg: cfg, identity: identity, logger: logger, sleep: time.Sleep}
}

// EnsureInstanceRole returns the name of the execution unit's role, creating
// it (with its instance profile) when absent.
func (p *Provisioner) EnsureInstanceRole(ctx context.Context) (string, error) {
	return p.ensure(ctx, cloud.RoleSpec{
		Name:            p.cfg.Identity.InstanceRole,
		TrustPolicy:     fmt.Sprintf(trustPolicyTemplate, "ec2.amazonaws.com"),
		PolicyARNs:      instanceRolePolicies,
		InstanceProfile: true,
	})
}

// EnsureBuildRole returns the name of the build service's role.
func (p *Provisioner) EnsureBuildRole(ctx context.Context) (string, error) {
	return p.ensure(ctx, cloud.RoleSpec{
		Name:        p.cfg.Identity.BuildRole,
		TrustPolicy: fmt.Sprintf(trustPolicyTemplate, "codebuild.amazonaws.com"),
		PolicyARNs:  buildRolePolicies,
	})
}

func (p *Provisioner) ensure(ctx context.Context, spec cloud.RoleSpec) (string, error) {
	exists, err := p.identity.RoleExists(ctx, spec.Name)
	if err != nil {
		return "", fmt.Errorf("look up role %s: %w", spec.Name, err)
	}
	if exists {
		return spec.Name, nil
	}

	p.logger.Printf("creating role %s", spec.Name)
	if err := p.identity.CreateRole(ctx, spec); err != nil {
		return "", fmt.Errorf("create role %s: %w", spec.Name, err)
	}

	// Fixed-delay propagation barrier: a freshly created role is not
	// visible to dependent services immediately, and there is no cheap
	// readiness probe for it.
	p.sleep(p.cfg.PropagationDelay())
	return spec.Name, nil
}
