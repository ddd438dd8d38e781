package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/BracketGo/internal/hw/camera"
)

// Phase is the runner's position in the bracket state machine.
type Phase string

const (
	Idle                Phase = "idle"
	ApplyingSetpoint    Phase = "applying_setpoint"
	AwaitingConvergence Phase = "awaiting_convergence"
	Capturing           Phase = "capturing"
	Completed           Phase = "completed"
	Cancelled           Phase = "cancelled"
	Failed              Phase = "failed"
)

// Terminal reports whether no further transition can follow.
func (p Phase) Terminal() bool {
	return p == Completed || p == Cancelled || p == Failed
}

// RunState is a phase plus the plan index it concerns (-1 when none) and,
// for Failed, the reason.
type RunState struct {
	Phase Phase
	Index int
	Err   error
}

func (s RunState) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("%s(%d): %v", s.Phase, s.Index, s.Err)
	case s.Index >= 0:
		return fmt.Sprintf("%s(%d)", s.Phase, s.Index)
	default:
		return string(s.Phase)
	}
}

func (s RunState) MarshalJSON() ([]byte, error) {
	out := struct {
		Phase Phase  `json:"phase"`
		Index int    `json:"index"`
		Error string `json:"error,omitempty"`
	}{Phase: s.Phase, Index: s.Index}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

var (
	ErrApply              = errors.New("apply setpoint failed")
	ErrConvergenceTimeout = errors.New("convergence timeout")
	ErrConvergence        = errors.New("convergence failed")
	ErrCapture            = errors.New("capture failed")
	ErrCancelled          = errors.New("run cancelled")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrAlreadyRun         = errors.New("runner already used")
)

// ItemError is a failure of one plan item. Kind is one of ErrApply,
// ErrConvergenceTimeout, ErrConvergence or ErrCapture; Err is the cause
// reported by the hardware.
type ItemError struct {
	Index int
	Kind  error
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v: %v", e.Index, e.Kind, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// EventKind distinguishes what an Event reports.
type EventKind string

const (
	EventState        EventKind = "state"
	EventSkipped      EventKind = "skipped"
	EventArtifact     EventKind = "artifact"
	EventLastArtifact EventKind = "last_artifact"
)

// Event is emitted to Options.Notify on every transition, skipped item and
// saved artifact. EventLastArtifact replaces EventArtifact for the highest
// enabled item.
type Event struct {
	RunID    string           `json:"run_id"`
	Kind     EventKind        `json:"kind"`
	Index    int              `json:"index"`
	State    RunState         `json:"state"`
	Artifact *camera.Artifact `json:"artifact,omitempty"`
	Time     time.Time        `json:"time"`
}

// IndexedArtifact ties a capture handle to the plan item it was taken for.
type IndexedArtifact struct {
	Index    int             `json:"index"`
	Value    float64         `json:"value"`
	Artifact camera.Artifact `json:"artifact"`
	Last     bool            `json:"last"`
}

// Result summarises a finished run. Artifacts from items before a failure
// stay valid.
type Result struct {
	RunID     string            `json:"run_id"`
	State     RunState          `json:"state"`
	Artifacts []IndexedArtifact `json:"artifacts"`
	Failed    []int             `json:"failed,omitempty"`
	Skipped   []int             `json:"skipped,omitempty"`
}
