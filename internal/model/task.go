package model

import "time"

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusDeploying TaskStatus = "deploying"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a task in this status can never change status again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AutomationResult is the payload the remote execution driver uploads as its
// last action before shutting down. It is the authoritative task outcome.
type AutomationResult struct {
	Status   string `json:"status"`
	Task     string `json:"task,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	FinalURL string `json:"final_url,omitempty"`
}

// Task is the persisted record of one submitted unit of work.
//
// ID, Prompt and CreatedAt are immutable after creation. StartedAt is set
// exactly once when the task enters deploying; CompletedAt exactly once on
// the terminal transition. Everything else is append-mostly.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Scraper     string     `json:"scraper,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ReturnCode  *int       `json:"return_code,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Correlation fields mirrored from the execution unit's tags.
	InstanceID string `json:"instance_id,omitempty"`
	ImageTag   string `json:"image_tag,omitempty"`

	// Side-channel fields updated by the monitor while the task runs.
	BrowserHotlink string `json:"browser_hotlink,omitempty"`

	AutomationResult *AutomationResult `json:"automation_result,omitempty"`
}
