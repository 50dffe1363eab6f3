package deploy

import (
	"fmt"
	"strings"
)

// BuildInputMissingError means a build-input file needed for image
// versioning is absent.
type BuildInputMissingError struct {
	Path string
}

func (e *BuildInputMissingError) Error() string {
	return fmt.Sprintf("build input missing: %s", e.Path)
}

// BuildFailedError carries the terminal build status and the build job's log
// tail for diagnostics.
type BuildFailedError struct {
	Status string
	Logs   []string
}

func (e *BuildFailedError) Error() string {
	if len(e.Logs) == 0 {
		return fmt.Sprintf("image build failed with status %s", e.Status)
	}
	return fmt.Sprintf("image build failed with status %s:\n%s", e.Status, strings.Join(e.Logs, "\n"))
}

// StagingFailedError aborts the launch: the unit cannot recover from a
// missing payload.
type StagingFailedError struct {
	Key string
	Err error
}

func (e *StagingFailedError) Error() string {
	return fmt.Sprintf("staging %s failed: %v", e.Key, e.Err)
}

func (e *StagingFailedError) Unwrap() error { return e.Err }

// LaunchFailedError wraps any provisioning error while creating the
// execution unit. The pipeline does not retry; the caller decides.
type LaunchFailedError struct {
	Reason string
	Err    error
}

func (e *LaunchFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("launch failed: %s", e.Reason)
}

func (e *LaunchFailedError) Unwrap() error { return e.Err }
