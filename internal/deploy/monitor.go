package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"agent-executor/internal/cloud"
	"agent-executor/internal/config"
	"agent-executor/internal/model"
)

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	// OutcomeTimedOut means no conclusive signal was observed within the
	// deadline. Distinct from failed: the unit may still be running and
	// its own self-shutdown timer will eventually fire.
	OutcomeTimedOut
)

// Outcome is the single authoritative result the monitor converges on.
type Outcome struct {
	Kind   OutcomeKind
	Result *model.AutomationResult
	Reason string
}

var hotlinkRe = regexp.MustCompile(`https://cloud\.browser-use\.com/hotlink\?user_code=[A-Z0-9]+`)

// Monitor reconciles the task's terminal state from three independent,
// occasionally-lagging signals: the unit's provider lifecycle state, the
// streamed log object, and the result object. No single signal is both
// timely and authoritative; precedence is result object > lifecycle state >
// log content.
type Monitor struct {
	cfg     *config.Config
	objects cloud.ObjectStore
	compute cloud.Compute
	logger  *log.Logger

	// OnHotlink receives session hand-off links spotted in the streamed
	// logs, a side-channel update independent of terminal status.
	OnHotlink func(url string)

	now   func() time.Time
	sleep func(time.Duration)
}

func NewMonitor(cfg *config.Config, objects cloud.ObjectStore, compute cloud.Compute, logger *log.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		objects: objects,
		compute: compute,
		logger:  logger,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Watch polls the execution unit until a terminal outcome or the deadline.
// Per-cycle provider errors are absorbed and retried; they never fail the
// task on their own.
func (m *Monitor) Watch(ctx context.Context, unit Unit, taskID, account string) Outcome {
	resultsBucket := m.cfg.Names.ResultsBucketPrefix + "-" + account
	logsBucket := m.cfg.Names.LogsBucketPrefix + "-" + account
	resultKey := taskID + "-result.json"
	logKey := unit.Name + ".log"

	deadline := m.now().Add(m.cfg.MonitorDeadline())
	logCursor := 0
	cycle := 0

	for m.now().Before(deadline) {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeTimedOut, Reason: "monitoring canceled"}
		}
		cycle++

		status, err := m.compute.DescribeInstance(ctx, unit.InstanceID)
		if err != nil {
			m.logger.Printf("monitor: describe instance: %v", err)
			m.sleep(m.cfg.MonitorErrorBackoff())
			continue
		}
		m.logger.Printf("state: %s | system: %s | instance: %s", status.State, status.SystemStatus, status.InstanceStatus)

		if status.Running() {
			logCursor = m.tailLogs(ctx, logsBucket, logKey, logCursor)

			// Result probe is throttled to every other cycle to bound
			// storage request cost. The object is the primary success
			// signal: the driver writes it deliberately on its own
			// clean-shutdown path, so it beats a still-running
			// lifecycle state.
			if cycle%2 == 0 {
				if result, ok := m.probeResult(ctx, resultsBucket, resultKey); ok {
					m.logger.Printf("result object found, task complete")
					return Outcome{Kind: OutcomeCompleted, Result: result}
				}
			}
		}

		if status.Terminal() {
			m.logger.Printf("instance %s, collecting final output", status.State)
			m.dumpConsole(ctx, unit.InstanceID)
			return m.resolveAfterTermination(ctx, resultsBucket, resultKey)
		}

		m.sleep(m.cfg.MonitorPollInterval())
	}

	return Outcome{Kind: OutcomeTimedOut, Reason: "no terminal signal observed within deadline"}
}

// tailLogs fetches the append-only log object and surfaces only the suffix
// past the previous cursor. The cursor never rewinds, so no line is
// reprocessed and none skipped.
func (m *Monitor) tailLogs(ctx context.Context, bucket, key string, cursor int) int {
	data, err := m.objects.Get(ctx, bucket, key)
	if err != nil {
		if !errors.Is(err, cloud.ErrNotFound) {
			// Missing log objects are normal during startup; anything
			// else is worth a line.
			m.logger.Printf("monitor: log streaming: %v", err)
		}
		return cursor
	}
	if len(data) <= cursor {
		return cursor
	}

	for _, line := range strings.Split(string(data[cursor:]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m.logger.Printf("remote: %s", line)
		if url := hotlinkRe.FindString(line); url != "" && m.OnHotlink != nil {
			m.logger.Printf("detected browser hotlink: %s", url)
			m.OnHotlink(url)
		}
	}
	return len(data)
}

func (m *Monitor) probeResult(ctx context.Context, bucket, key string) (*model.AutomationResult, bool) {
	if err := m.objects.Head(ctx, bucket, key); err != nil {
		if !errors.Is(err, cloud.ErrNotFound) {
			m.logger.Printf("monitor: result probe: %v", err)
		}
		return nil, false
	}
	result, err := m.fetchResult(ctx, bucket, key)
	if err != nil {
		m.logger.Printf("monitor: result fetch: %v", err)
		return nil, false
	}
	return result, true
}

func (m *Monitor) fetchResult(ctx context.Context, bucket, key string) (*model.AutomationResult, error) {
	data, err := m.objects.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	var result model.AutomationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result object: %w", err)
	}
	return &result, nil
}

// resolveAfterTermination is the fallback path: the unit reached a terminal
// provider state before a result object was seen. The driver may still be
// mid-upload, so the probe is retried a bounded number of times before the
// task is declared dead.
func (m *Monitor) resolveAfterTermination(ctx context.Context, bucket, key string) Outcome {
	attempts := m.cfg.Monitor.ResultRetryCount
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := m.fetchResult(ctx, bucket, key)
		if err == nil {
			m.logger.Printf("result object found after termination")
			return Outcome{Kind: OutcomeCompleted, Result: result}
		}
		if !errors.Is(err, cloud.ErrNotFound) {
			return Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("result probe: %v", err)}
		}
		if attempt < attempts {
			m.logger.Printf("attempt %d/%d - waiting for result upload", attempt, attempts)
			m.sleep(m.cfg.ResultRetryDelay())
		}
	}
	return Outcome{Kind: OutcomeFailed, Reason: "instance terminated without uploading results"}
}

func (m *Monitor) dumpConsole(ctx context.Context, instanceID string) {
	output, err := m.compute.ConsoleOutput(ctx, instanceID)
	if err != nil {
		m.logger.Printf("monitor: console output: %v", err)
		return
	}
	lines := strings.Split(output, "\n")
	tail := m.cfg.Monitor.ConsoleTailLines
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			m.logger.Printf("console: %s", line)
		}
	}
}

func sleepC(d time.Duration) <-chan time.Time {
	return time.After(d)
}
