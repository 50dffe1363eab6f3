package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agent-executor/internal/cloud"
)

type fakeObjects struct {
	mu      sync.Mutex
	buckets map[string]bool
	data    map[string][]byte

	// getHook, when set, intercepts Get for a key; call counts are per key.
	getHook func(bucket, key string, call int) ([]byte, error, bool)

	putErr    map[string]error
	deleteErr map[string]error

	getCalls       map[string]int
	deletedObjects []string
	deletedBuckets []string

	// putLog keeps every uploaded body, surviving later deletes.
	putLog map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		buckets:   map[string]bool{},
		data:      map[string][]byte{},
		putErr:    map[string]error{},
		deleteErr: map[string]error{},
		getCalls:  map[string]int{},
		putLog:    map[string][]byte{},
	}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeObjects) EnsureBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[key]; err != nil {
		return err
	}
	f.data[objKey(bucket, key)] = append([]byte(nil), body...)
	f.putLog[objKey(bucket, key)] = append([]byte(nil), body...)
	return nil
}

func (f *fakeObjects) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[key]++
	if f.getHook != nil {
		if data, err, ok := f.getHook(bucket, key, f.getCalls[key]); ok {
			return data, err
		}
	}
	data, ok := f.data[objKey(bucket, key)]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeObjects) Head(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getHook != nil {
		if _, err, ok := f.getHook(bucket, key, f.getCalls[key]+1); ok {
			return err
		}
	}
	if _, ok := f.data[objKey(bucket, key)]; !ok {
		return cloud.ErrNotFound
	}
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	delete(f.data, objKey(bucket, key))
	f.deletedObjects = append(f.deletedObjects, objKey(bucket, key))
	return nil
}

func (f *fakeObjects) DeleteBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[bucket]; err != nil {
		return err
	}
	delete(f.buckets, bucket)
	f.deletedBuckets = append(f.deletedBuckets, bucket)
	return nil
}

type fakeCompute struct {
	mu       sync.Mutex
	statuses []cloud.InstanceStatus
	i        int

	describeErrs int // first n describe calls fail
	runErr       error
	console      string

	launched   []cloud.LaunchSpec
	terminated []string
	sgDeleted  []string
	termErr    error
	sgErr      error
}

func (f *fakeCompute) DefaultSubnet(ctx context.Context) (string, string, error) {
	return "vpc-1", "subnet-1", nil
}

func (f *fakeCompute) CreateSecurityGroup(ctx context.Context, name, description, vpcID string) (string, error) {
	return "sg-1234", nil
}

func (f *fakeCompute) RunInstance(ctx context.Context, spec cloud.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.launched = append(f.launched, spec)
	return "i-0123456789abcdef0", nil
}

func (f *fakeCompute) DescribeInstance(ctx context.Context, instanceID string) (cloud.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErrs > 0 {
		f.describeErrs--
		return cloud.InstanceStatus{}, fmt.Errorf("api throttled")
	}
	if len(f.statuses) == 0 {
		return cloud.InstanceStatus{State: "running"}, nil
	}
	st := f.statuses[f.i]
	if f.i < len(f.statuses)-1 {
		f.i++
	}
	return st, nil
}

func (f *fakeCompute) ConsoleOutput(ctx context.Context, instanceID string) (string, error) {
	return f.console, nil
}

func (f *fakeCompute) TerminateInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeCompute) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sgErr != nil {
		return f.sgErr
	}
	f.sgDeleted = append(f.sgDeleted, groupID)
	return nil
}

type fakeRegistry struct {
	tags    []string
	created []string
	deleted []string
}

func (f *fakeRegistry) EnsureRepository(ctx context.Context, name string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeRegistry) ListTags(ctx context.Context, name string) ([]string, error) {
	return f.tags, nil
}

func (f *fakeRegistry) DeleteImage(ctx context.Context, repository, tag string) error {
	f.deleted = append(f.deleted, tag)
	return nil
}

type fakeBuilds struct {
	created  []cloud.ProjectSpec
	started  int
	statuses []string
	i        int
	logs     []string
	deleted  []string
}

func (f *fakeBuilds) CreateProject(ctx context.Context, spec cloud.ProjectSpec) error {
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeBuilds) StartBuild(ctx context.Context, project string) (string, error) {
	f.started++
	return project + ":build-1", nil
}

func (f *fakeBuilds) BuildStatus(ctx context.Context, buildID string) (string, error) {
	st := f.statuses[f.i]
	if f.i < len(f.statuses)-1 {
		f.i++
	}
	return st, nil
}

func (f *fakeBuilds) BuildLogs(ctx context.Context, project string) ([]string, error) {
	return f.logs, nil
}

func (f *fakeBuilds) DeleteProject(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeIdentity struct {
	roles   map[string]bool
	created []cloud.RoleSpec
	account string
}

func (f *fakeIdentity) RoleExists(ctx context.Context, name string) (bool, error) {
	return f.roles[name], nil
}

func (f *fakeIdentity) CreateRole(ctx context.Context, spec cloud.RoleSpec) error {
	f.created = append(f.created, spec)
	if f.roles == nil {
		f.roles = map[string]bool{}
	}
	f.roles[spec.Name] = true
	return nil
}

func (f *fakeIdentity) AccountID(ctx context.Context) (string, error) {
	if f.account == "" {
		return "123456789012", nil
	}
	return f.account, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
