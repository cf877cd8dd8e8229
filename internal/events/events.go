package events

import "time"

// Event is the interface satisfied by everything published on the Bus. Type
// returns the wire name delivered to WebSocket clients.
type Event interface {
	Type() string
}

// StateChanged signals that the persisted engine state was mutated, either
// through the API or externally on disk. Subscribers re-read the state.
type StateChanged struct{}

func (StateChanged) Type() string { return "state:changed" }

// LogUpdate carries one chunk of live agent output for a task.
type LogUpdate struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
	Chunk     string `json:"chunk"`
}

func (LogUpdate) Type() string { return "log:update" }

// OrchestratorLog is a human-readable line about run-loop progress.
type OrchestratorLog struct {
	ProjectID string    `json:"projectId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (OrchestratorLog) Type() string { return "orchestrator:log" }

// WorkspaceLogsChanged signals that a project's loop log gained entries.
type WorkspaceLogsChanged struct {
	ProjectID string `json:"projectId"`
}

func (WorkspaceLogsChanged) Type() string { return "workspace:logsChanged" }
