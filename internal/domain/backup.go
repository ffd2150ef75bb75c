package domain

import (
	"context"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateFinished
	StateFailed
	StateAborted
	StateKilled
)

var stateNames = map[State]string{
	StateIdle:     "IDLE",
	StateActive:   "ACTIVE",
	StateFinished: "FINISHED",
	StateFailed:   "FAILED",
	StateAborted:  "ABORTED",
	StateKilled:   "KILLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Reported is the state shown to callers. A job that never ran reports FINISHED.
func (s State) Reported() State {
	if s == StateIdle {
		return StateFinished
	}
	return s
}

func (s State) Terminal() bool {
	return s != StateIdle && s != StateActive
}

func ParseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateIdle
}

type Options struct {
	Dir            string
	IncludeForeign bool
	IncludeSystem  bool
	IncludeConfig  bool
	EmptyDir       bool
}

// Switch renders a boolean option the way the admin surface prints it.
type Switch bool

func (s Switch) MarshalText() ([]byte, error) {
	if s {
		return []byte("ON"), nil
	}
	return []byte("OFF"), nil
}

type Status struct {
	State       State  `json:"-"`
	Status      string `json:"status"`
	RunID       string `json:"run_id,omitempty"`
	TotalSize   uint64 `json:"total_size"`
	DoneSize    uint64 `json:"done_size"`
	PercentDone uint32 `json:"percent_done"`
	Directory   string `json:"directory"`
	EmptyDir    Switch `json:"empty_dir"`
	MyISAM      Switch `json:"myisam"`
	System      Switch `json:"system"`
	Config      Switch `json:"config"`
	FailedTable string `json:"failed_table,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Run is the record kept for every run that reached a terminal state.
type Run struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	State       State     `json:"-"`
	Status      string    `json:"status"`
	Directory   string    `json:"directory"`
	TotalBytes  uint64    `json:"total_bytes"`
	DoneBytes   uint64    `json:"done_bytes"`
	FailedTable string    `json:"failed_table,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
