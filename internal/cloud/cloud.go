// Package cloud wraps the provider APIs behind narrow interfaces so the
// deployment pipeline can be exercised against fakes.
package cloud

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ObjectStore.Head and Get when the object (or
// its bucket) does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is durable object storage (S3).
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) error
	Delete(ctx context.Context, bucket, key string) error
	DeleteBucket(ctx context.Context, bucket string) error
}

// ImageRegistry is the container image registry (ECR).
type ImageRegistry interface {
	EnsureRepository(ctx context.Context, name string) error
	// ListTags returns all image tags in the repository; an absent
	// repository yields an empty list, not an error.
	ListTags(ctx context.Context, name string) ([]string, error)
	DeleteImage(ctx context.Context, repository, tag string) error
}

// ProjectSpec describes a remote image build job.
type ProjectSpec struct {
	Name         string
	SourceBucket string
	SourceKey    string
	ServiceRole  string
	Env          map[string]string
}

// Build terminal statuses as reported by the build service.
const (
	BuildSucceeded = "SUCCEEDED"
	BuildFailed    = "FAILED"
	BuildFault     = "FAULT"
	BuildStopped   = "STOPPED"
	BuildTimedOut  = "TIMED_OUT"
)

// BuildTerminal reports whether status is a terminal build status.
func BuildTerminal(status string) bool {
	switch status {
	case BuildSucceeded, BuildFailed, BuildFault, BuildStopped, BuildTimedOut:
		return true
	}
	return false
}

// BuildService runs remote image builds (CodeBuild).
type BuildService interface {
	CreateProject(ctx context.Context, spec ProjectSpec) error
	StartBuild(ctx context.Context, project string) (buildID string, err error)
	BuildStatus(ctx context.Context, buildID string) (string, error)
	// BuildLogs fetches the newest log stream of the project's build log
	// group, for diagnostics after a failed build.
	BuildLogs(ctx context.Context, project string) ([]string, error)
	DeleteProject(ctx context.Context, name string) error
}

// RoleSpec describes an IAM role to look up or create.
type RoleSpec struct {
	Name            string
	TrustPolicy     string
	PolicyARNs      []string
	InstanceProfile bool
}

// Identity manages execution roles (IAM) and knows the account id (STS).
type Identity interface {
	RoleExists(ctx context.Context, name string) (bool, error)
	// CreateRole creates the role, attaches the requested policies and,
	// when spec.InstanceProfile is set, creates and links an instance
	// profile of the same name. "Already exists" races are success.
	CreateRole(ctx context.Context, spec RoleSpec) error
	AccountID(ctx context.Context) (string, error)
}

// InstanceStatus is one observation of an execution unit's provider state.
type InstanceStatus struct {
	State          string // pending, running, shutting-down, terminated, stopping, stopped
	SystemStatus   string
	InstanceStatus string
}

// Running and Terminal classify provider lifecycle states.
func (s InstanceStatus) Running() bool { return s.State == "running" }

func (s InstanceStatus) Terminal() bool {
	switch s.State {
	case "terminated", "stopping", "stopped":
		return true
	}
	return false
}

// LaunchSpec describes one execution unit to provision.
type LaunchSpec struct {
	ImageID         string
	InstanceType    string
	SubnetID        string
	SecurityGroupID string
	UserData        string
	InstanceProfile string
	Tags            map[string]string
}

// Compute provisions and inspects execution units (EC2).
type Compute interface {
	// DefaultSubnet resolves the default VPC and its first subnet.
	DefaultSubnet(ctx context.Context) (vpcID, subnetID string, err error)
	CreateSecurityGroup(ctx context.Context, name, description, vpcID string) (groupID string, err error)
	RunInstance(ctx context.Context, spec LaunchSpec) (instanceID string, err error)
	DescribeInstance(ctx context.Context, instanceID string) (InstanceStatus, error)
	ConsoleOutput(ctx context.Context, instanceID string) (string, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	DeleteSecurityGroup(ctx context.Context, groupID string) error
}

// Clients bundles every provider dependency of the pipeline.
type Clients struct {
	Objects  ObjectStore
	Registry ImageRegistry
	Builds   BuildService
	Identity Identity
	Compute  Compute
}
