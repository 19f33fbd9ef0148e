package task

import (
	"context"
	"errors"
	"time"
)

// Kind describes which transfer phase(s) apply to a task.
type Kind string

const (
	KindDownload       Kind = "download"
	KindUpload         Kind = "upload"
	KindDownloadUpload Kind = "download_upload"
)

// Phase is the transfer phase currently (or last) driven by an engine.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

type State string

const (
	StateQueued     State = "queued"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateCompleting State = "completing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Errors surfaced synchronously to callers.
var (
	ErrNotFound    = errors.New("task not found")
	ErrForbidden   = errors.New("requester is not allowed to control this task")
	ErrCapacity    = errors.New("owner queue capacity exceeded")
	ErrUnsupported = errors.New("operation not supported by the engine")
)

// Progress is a point-in-time transfer snapshot. Total is 0 while the
// engine has not reported a size.
type Progress struct {
	Done  int64         `json:"done"`
	Total int64         `json:"total"`
	Rate  int64         `json:"rate"` // bytes per second
	ETA   time.Duration `json:"eta"`
}

// Task is one user-initiated transfer job. The registry hands out value
// copies; mutation goes through Registry.Update only.
type Task struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Owner       string   `json:"owner"`
	Source      string   `json:"source"`
	Destination string   `json:"destination,omitempty"`
	EngineRef   string   `json:"-"` // engine-side job handle, empty while queued or terminal
	Phase       Phase    `json:"phase,omitempty"`
	State       State    `json:"state"`
	Progress    Progress `json:"progress"`
	Error       string   `json:"error,omitempty"`
	Listeners   []string `json:"-"`

	// holdsSlot tracks whether this task currently owns an admission slot.
	// Flipped only under the registry entry lock so the release side runs
	// exactly once however the task reaches a terminal state.
	holdsSlot bool

	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

func (t Task) clone() Task {
	c := t
	c.Listeners = append([]string(nil), t.Listeners...)
	return c
}

// EngineEventType enumerates the abstract notifications an engine adapter
// can deliver.
type EngineEventType int

const (
	EventProgress EngineEventType = iota
	EventPhaseDone
	EventPhaseError
	EventPhasePaused
	EventPhaseResumed
)

// EngineEvent is a notification from an engine adapter, keyed by the
// engine-side ref returned from Start.
type EngineEvent struct {
	Ref    string
	Type   EngineEventType
	Done   int64
	Total  int64
	Rate   int64
	Reason string
}

// EngineAdapter is the capability the core requires from an external
// transfer engine.
type EngineAdapter interface {
	// Start begins the transfer for the given task snapshot and returns
	// the engine-side ref used in subsequent events.
	Start(ctx context.Context, t Task) (string, error)

	// Stop aborts the engine-side job. Best effort: the core treats an
	// error here as advisory.
	Stop(ctx context.Context, ref string) error

	// Events returns the adapter's event stream. The channel stays open
	// for the adapter's lifetime.
	Events() <-chan EngineEvent
}

// PauseResumer is an optional adapter capability.
type PauseResumer interface {
	Pause(ctx context.Context, ref string) error
	Resume(ctx context.Context, ref string) error
}

// RecoveryEntry is the minimal resumable descriptor persisted for every
// active task.
type RecoveryEntry struct {
	TaskID      string
	Source      string
	Destination string
	Kind        Kind
}

// RecoveryLog records in-flight tasks so interrupted work can be reported
// after a restart.
type RecoveryLog interface {
	Record(owner string, e RecoveryEntry) error
	Clear(owner, taskID string) error
	LoadAll() (map[string][]RecoveryEntry, error)
}
