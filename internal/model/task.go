// Copyright 2025 James Ross
package model

import "time"

// Task is a node in the job tree. Siblings under the same parent chain
// share a task_name scope, so later siblings can reference earlier ones
// by name in "requires_metadata_from".
type Task struct {
	TaskID           int64
	ParentTask       *int64
	TaskType         string
	JobName          string
	TaskName         string
	WorkingDirectory string
	CreatedTime      time.Time
	FullyConfigured  bool
}

// FileInput declares that a Task consumes a FileProduct under a given
// semantic role.
type FileInput struct {
	TaskID        int64
	InputProductID int64
	SemanticType  string
}

// MetadataInput declares that a Task's eligibility depends on a
// predecessor task's attempts having fully passed QC.
type MetadataInput struct {
	TaskID          int64
	PredecessorTask int64
}

// AttemptState is the primary, exactly-one-of state of an attempt.
type AttemptState string

const (
	AttemptQueued   AttemptState = "queued"
	AttemptRunning  AttemptState = "running"
	AttemptFinished AttemptState = "finished"
)

// TaskExecutionAttempt is one scheduled execution of a Task.
type TaskExecutionAttempt struct {
	AttemptID    int64
	TaskID       int64
	State        AttemptState
	ErrorFail    bool
	ErrorText    string
	AllProductsPassedQC bool

	QueuedTime      time.Time
	StartTime       *time.Time
	EndTime         *time.Time
	LatestHeartbeat *time.Time

	RunTimeWallClock       *float64
	RunTimeCPU             *float64
	RunTimeCPUIncChildren  *float64

	HostID *int64
}

// IsStalled reports whether a running attempt's heartbeat is older than
// maxAge as of now.
func (a *TaskExecutionAttempt) IsStalled(now time.Time, maxAge time.Duration) bool {
	if a.State != AttemptRunning {
		return false
	}
	if a.LatestHeartbeat == nil {
		return true
	}
	return now.Sub(*a.LatestHeartbeat) > maxAge
}

// WorkerHost is a worker process's hostname, interned on first sighting.
type WorkerHost struct {
	HostID   int64
	Hostname string
}

// LogMessage is a single diagnostic line, optionally tied to an attempt.
type LogMessage struct {
	LogID     int64
	AttemptID *int64
	Timestamp time.Time
	Severity  string
	Message   string
}

// TruncateMessage truncates a log message to maxLen characters, appending
// a 3-character ellipsis marker when truncation occurs.
func TruncateMessage(message string, maxLen int) string {
	r := []rune(message)
	if maxLen <= 0 || len(r) <= maxLen {
		return message
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// TaskType is a catalogue entry: a task_type name, the containers able to
// run it, and each container's resource declaration.
type TaskType struct {
	Name       string
	Containers []string
}

// ContainerResources is a container's declared resource requirement for a
// particular task type.
type ContainerResources struct {
	Container string
	CPU       float64
	GPU       float64
	MemoryGB  float64
}
