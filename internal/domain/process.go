package domain

import "time"

// WorkerStatus represents the lifecycle state of a spawned worker process.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerKilled    WorkerStatus = "killed"
)

// WorkerSession describes one child process hosting a process-kind agent.
type WorkerSession struct {
	ID        string       `json:"id"`
	SpecID    string       `json:"spec_id"`
	Command   string       `json:"command"`
	Args      []string     `json:"args"`
	Status    WorkerStatus `json:"status"`
	PID       int          `json:"pid,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}
