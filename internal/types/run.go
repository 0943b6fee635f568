package types

import "time"

type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunStopping  RunStatus = "stopping"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether a new run may be started from this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunIdle, RunStopped, RunCompleted, RunAborted:
		return true
	default:
		return false
	}
}

// SimRun identifies one simulation from start to its terminal status.
type SimRun struct {
	ID              string     `json:"id"`
	Strategy        string     `json:"strategy"`
	Status          RunStatus  `json:"status"`
	Watchlist       []string   `json:"watchlist"`
	TickInterval    string     `json:"tick_interval"`
	Duration        string     `json:"duration"`
	StartingBalance float64    `json:"starting_balance"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}
