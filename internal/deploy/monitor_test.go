package deploy

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
)

const testAccount = "123456789012"

func monitorConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Names.ResultsBucketPrefix = "ai-executor-results"
	cfg.Names.LogsBucketPrefix = "ai-executor-logs"
	cfg.Monitor.PollIntervalSeconds = 30
	cfg.Monitor.DeadlineSeconds = 3600
	cfg.Monitor.ErrorBackoffSeconds = 10
	cfg.Monitor.ResultRetryCount = 6
	cfg.Monitor.ResultRetryDelaySeconds = 5
	cfg.Monitor.ConsoleTailLines = 30
	return cfg
}

func newTestMonitor(cfg *config.Config, objects *fakeObjects, compute *fakeCompute) (*Monitor, *bytes.Buffer) {
	var buf bytes.Buffer
	m := NewMonitor(cfg, objects, compute, log.New(&buf, "", 0))
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.Now
	m.sleep = clock.Sleep
	return m, &buf
}

func testUnit() Unit {
	return Unit{Name: "ai-executor-1234", InstanceID: "i-0123456789abcdef0", SecurityGroupID: "sg-1234"}
}

func TestWatch_ResultObjectBeatsRunningLifecycle(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.data[objKey("ai-executor-results-"+testAccount, "task-1-result.json")] =
		[]byte(`{"status":"success","task":"check price","result":"$999"}`)
	compute := &fakeCompute{statuses: []cloud.InstanceStatus{{State: "running"}}}

	m, _ := newTestMonitor(monitorConfig(), objects, compute)
	outcome := m.Watch(context.Background(), testUnit(), "task-1", testAccount)

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v (%s)", outcome.Kind, outcome.Reason)
	}
	if outcome.Result == nil || outcome.Result.Result != "$999" {
		t.Fatalf("unexpected result payload: %+v", outcome.Result)
	}
	// The unit never reached a terminal lifecycle state; the result object
	// alone decided the outcome.
	if len(compute.terminated) != 0 {
		t.Fatalf("monitor must not terminate the instance")
	}
}

func TestWatch_TerminatedWithoutResult(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	compute := &fakeCompute{
		statuses: []cloud.InstanceStatus{
			{State: "pending"},
			{State: "running"},
			{State: "terminated"},
		},
		console: "boot ok\ndriver crashed\n",
	}

	m, buf := newTestMonitor(monitorConfig(), objects, compute)
	outcome := m.Watch(context.Background(), testUnit(), "task-2", testAccount)

	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %v", outcome.Kind)
	}
	if !strings.Contains(outcome.Reason, "without uploading results") {
		t.Fatalf("reason should mention missing result upload, got %q", outcome.Reason)
	}
	if got := objects.getCalls["task-2-result.json"]; got != 6 {
		t.Fatalf("expected exactly 6 fallback probes, got %d", got)
	}
	if !strings.Contains(buf.String(), "driver crashed") {
		t.Fatalf("final console output should be captured")
	}
}

func TestWatch_ResultAppearsDuringFallbackRetries(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"status":"success","result":"done"}`)
	objects := newFakeObjects()
	objects.getHook = func(bucket, key string, call int) ([]byte, error, bool) {
		if key != "task-3-result.json" {
			return nil, nil, false
		}
		if call <= 2 {
			return nil, cloud.ErrNotFound, true
		}
		return payload, nil, true
	}
	compute := &fakeCompute{statuses: []cloud.InstanceStatus{{State: "terminated"}}}

	m, _ := newTestMonitor(monitorConfig(), objects, compute)
	outcome := m.Watch(context.Background(), testUnit(), "task-3", testAccount)

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed after retries, got %v (%s)", outcome.Kind, outcome.Reason)
	}
	if got := objects.getCalls["task-3-result.json"]; got != 3 {
		t.Fatalf("expected 3 probes, got %d", got)
	}
}

func TestWatch_DeadlineYieldsTimeoutNotFailure(t *testing.T) {
	t.Parallel()

	cfg := monitorConfig()
	cfg.Monitor.DeadlineSeconds = 300
	objects := newFakeObjects()
	compute := &fakeCompute{statuses: []cloud.InstanceStatus{{State: "pending"}}}

	m, _ := newTestMonitor(cfg, objects, compute)
	outcome := m.Watch(context.Background(), testUnit(), "task-4", testAccount)

	if outcome.Kind != OutcomeTimedOut {
		t.Fatalf("expected timeout, got %v", outcome.Kind)
	}
}

func TestWatch_TransientPollErrorsAreAbsorbed(t *testing.T) {
	t.Parallel()

	objects := newFakeObjects()
	objects.data[objKey("ai-executor-results-"+testAccount, "task-5-result.json")] =
		[]byte(`{"status":"success","result":"ok"}`)
	compute := &fakeCompute{
		describeErrs: 3,
		statuses:     []cloud.InstanceStatus{{State: "running"}},
	}

	m, _ := newTestMonitor(monitorConfig(), objects, compute)
	outcome := m.Watch(context.Background(), testUnit(), "task-5", testAccount)

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("poll errors must not fail the task, got %v (%s)", outcome.Kind, outcome.Reason)
	}
}

func TestWatch_LogCursorSurfacesEachLineOnce(t *testing.T) {
	t.Parallel()

	logKey := "ai-executor-1234.log"
	chunks := []string{"one\n", "one\ntwo\n", "one\ntwo\nthree\n"}
	objects := newFakeObjects()
	objects.getHook = func(bucket, key string, call int) ([]byte, error, bool) {
		if key != logKey {
			return nil, nil, false
		}
		if call > len(chunks) {
			call = len(chunks)
		}
		return []byte(chunks[call-1]), nil, true
	}
	compute := &fakeCompute{
		statuses: []cloud.InstanceStatus{
			{State: "running"},
			{State: "running"},
			{State: "running"},
			{State: "terminated"},
		},
	}

	m, buf := newTestMonitor(monitorConfig(), objects, compute)
	m.Watch(context.Background(), testUnit(), "task-6", testAccount)

	out := buf.String()
	for _, line := range []string{"one", "two", "three"} {
		if got := strings.Count(out, "remote: "+line); got != 1 {
			t.Fatalf("line %q surfaced %d times, want exactly once", line, got)
		}
	}
}

func TestWatch_HotlinkDetectedAndReported(t *testing.T) {
	t.Parallel()

	logKey := "ai-executor-1234.log"
	objects := newFakeObjects()
	objects.data[objKey("ai-executor-logs-"+testAccount, logKey)] =
		[]byte("starting agent\nvisit https://cloud.browser-use.com/hotlink?user_code=ABC123 to watch\n")
	compute := &fakeCompute{
		statuses: []cloud.InstanceStatus{
			{State: "running"},
			{State: "terminated"},
		},
	}

	m, _ := newTestMonitor(monitorConfig(), objects, compute)
	var hotlink string
	m.OnHotlink = func(url string) { hotlink = url }
	m.Watch(context.Background(), testUnit(), "task-7", testAccount)

	if hotlink != "https://cloud.browser-use.com/hotlink?user_code=ABC123" {
		t.Fatalf("hotlink not detected, got %q", hotlink)
	}
}
