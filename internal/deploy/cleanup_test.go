package deploy

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"agent-executor/internal/cloud"
)

func TestCleanerRun_OneFailureDoesNotStopTheRest(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.deleteErr["stuck-bucket"] = errors.New("bucket not empty")
	compute := &fakeCompute{}
	builds := &fakeBuilds{}
	clients := &cloud.Clients{Objects: objects, Compute: compute, Builds: builds}

	res := NewResources()
	res.AddObject("ai-executor-results-"+testAccount, "ai-executor-1234-task.txt")
	res.AddBucket("stuck-bucket")
	res.AddBuildProject("ai-executor-ec2-build-1234")
	res.AddInstance("i-0123456789abcdef0")
	res.AddSecurityGroup("sg-1234")

	var buf bytes.Buffer
	NewCleaner(clients, log.New(&buf, "", 0)).Run(context.Background(), res)

	if len(objects.deletedObjects) != 1 {
		t.Fatalf("object not cleaned: %v", objects.deletedObjects)
	}
	if len(builds.deleted) != 1 {
		t.Fatalf("build project not cleaned")
	}
	if len(compute.terminated) != 1 || compute.terminated[0] != "i-0123456789abcdef0" {
		t.Fatalf("instance not terminated: %v", compute.terminated)
	}
	if len(compute.sgDeleted) != 1 || compute.sgDeleted[0] != "sg-1234" {
		t.Fatalf("security group not deleted: %v", compute.sgDeleted)
	}
	if !strings.Contains(buf.String(), "warning: cleanup bucket stuck-bucket") {
		t.Fatalf("failed deletion not logged: %s", buf.String())
	}
}

func TestCleanerRun_EmptySetIsSilent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewCleaner(&cloud.Clients{}, log.New(&buf, "", 0)).Run(context.Background(), NewResources())
	if buf.Len() != 0 {
		t.Fatalf("cleanup with nothing tracked should log nothing, got %s", buf.String())
	}
}

func TestCleanerRun_InstancesBeforeSecurityGroups(t *testing.T) {
	t.Parallel()

	compute := &fakeCompute{}
	clients := &cloud.Clients{Compute: compute}

	// Registration order is reversed on purpose; the cleaner must still
	// terminate the instance before deleting its security group.
	res := NewResources()
	res.AddSecurityGroup("sg-1234")
	res.AddInstance("i-0123456789abcdef0")

	NewCleaner(clients, log.New(&bytes.Buffer{}, "", 0)).Run(context.Background(), res)

	if len(compute.terminated) != 1 || len(compute.sgDeleted) != 1 {
		t.Fatalf("both resources must be cleaned, terminated=%v sgDeleted=%v",
			compute.terminated, compute.sgDeleted)
	}
}
