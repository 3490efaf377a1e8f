package process

import "time"

// State is the lifecycle state of a supervised child.
type State string

// Child states.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateBackoff  State = "backoff"
	StateError    State = "error"
)

// Info describes one supervised child.
type Info struct {
	ID        string    `json:"id" doc:"Stream identifier"`
	State     State     `json:"state" enum:"idle,starting,running,stopping,backoff,error" doc:"Child state"`
	PID       int       `json:"pid,omitempty" doc:"Process id of the running child"`
	StartedAt time.Time `json:"started_at,omitzero" doc:"Start time of the current child"`
	Restarts  int       `json:"restarts" doc:"Restarts after crashes"`
	ExitCode  int       `json:"exit_code" doc:"Exit code of the last child"`
	LastError string    `json:"last_error,omitempty" doc:"Why the last child failed"`
}
