package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/logic/converge"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

// Surface is the actuator driven through the plan (focus rail, zoom
// motor). Apply returns once the hardware has acknowledged the setpoint.
// Calls must not overlap. Release is called once when the run ends.
type Surface interface {
	Apply(ctx context.Context, value float64) error
	Release() error
}

// TimeoutPolicy says what to do when convergence times out.
type TimeoutPolicy string

const (
	TimeoutAbort   TimeoutPolicy = "abort"
	TimeoutCapture TimeoutPolicy = "capture" // log and capture anyway
)

// FailurePolicy says whether an item failure ends the run.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailContinue FailurePolicy = "continue"
)

// Options tune a run. The zero value aborts on any failure, has no cue,
// no post-capture delay and no bounds check beyond a non-empty plan.
type Options struct {
	PostCaptureDelay time.Duration // pause after a capture before the next setpoint
	OnTimeout        TimeoutPolicy
	OnFailure        FailurePolicy
	Bounds           *plan.Bounds
	Cue              camera.Cue
	// Notify receives every event on the runner goroutine; it must not block.
	Notify func(Event)
}

// Runner takes one picture per enabled plan item, strictly one hardware
// operation at a time. A Runner is used for a single run.
type Runner struct {
	id      string
	surface Surface
	camera  camera.Camera
	policy  converge.Policy
	opts    Options
	log     *logrus.Entry

	started atomic.Bool
	mu      sync.Mutex
	state   RunState
}

func NewRunner(surface Surface, cam camera.Camera, policy converge.Policy, opts Options) *Runner {
	if opts.Cue == nil {
		opts.Cue = camera.NopCue{}
	}
	if opts.OnTimeout == "" {
		opts.OnTimeout = TimeoutAbort
	}
	if opts.OnFailure == "" {
		opts.OnFailure = FailAbort
	}
	id := uuid.New().String()
	return &Runner{
		id:      id,
		surface: surface,
		camera:  cam,
		policy:  policy,
		opts:    opts,
		log:     debug.With(logrus.Fields{"run": id}),
		state:   RunState{Phase: Idle, Index: -1},
	}
}

// ID returns the run identifier carried by every event.
func (r *Runner) ID() string {
	return r.id
}

// State returns the current state. Safe to call from any goroutine.
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run drives the plan to Completed, Cancelled or Failed. The surface is
// released exactly once before Run returns, whatever the outcome. The
// returned error is nil only for Completed; it wraps ErrCancelled,
// ErrInvalidPlan or an *ItemError otherwise.
func (r *Runner) Run(ctx context.Context, p plan.Plan) (res *Result, err error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	res = &Result{RunID: r.id}
	defer r.release()

	p = p.Clone()
	if verr := r.validate(p); verr != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidPlan, verr)
		r.finish(res, RunState{Phase: Failed, Index: -1, Err: err})
		return res, err
	}

	r.log.WithFields(logrus.Fields{"items": len(p), "enabled": p.EnabledCount()}).Info("bracket run started")

	for i := 0; i < len(p); i++ {
		item := p[i]
		if !item.Enabled {
			res.Skipped = append(res.Skipped, i)
			r.emit(Event{Kind: EventSkipped, Index: i, State: r.State()})
			continue
		}

		// Last enabled item, found by scanning forward from here.
		last := p.NextEnabled(i+1) == -1

		art, ierr := r.runItem(ctx, i, item.Value)
		if ierr != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w at item %d: %w", ErrCancelled, i, ctx.Err())
				r.finish(res, RunState{Phase: Cancelled, Index: i})
				return res, err
			}
			if r.opts.OnFailure == FailContinue {
				res.Failed = append(res.Failed, i)
				r.transition(RunState{Phase: Failed, Index: i, Err: ierr})
				r.log.WithField("index", i).Warnf("item failed, continuing: %v", ierr)
				continue
			}
			r.finish(res, RunState{Phase: Failed, Index: i, Err: ierr})
			return res, ierr
		}

		res.Artifacts = append(res.Artifacts, IndexedArtifact{Index: i, Value: item.Value, Artifact: art, Last: last})
		kind := EventArtifact
		if last {
			kind = EventLastArtifact
		}
		r.emit(Event{Kind: kind, Index: i, State: r.State(), Artifact: &art})
		debug.Shot(i, item.Value, art.ID)

		if last {
			break
		}
		if serr := sleepCtx(ctx, r.opts.PostCaptureDelay); serr != nil {
			err = fmt.Errorf("%w after item %d: %w", ErrCancelled, i, serr)
			r.finish(res, RunState{Phase: Cancelled, Index: i})
			return res, err
		}
	}

	r.finish(res, RunState{Phase: Completed, Index: -1})
	return res, nil
}

// runItem performs apply -> converge -> capture for one item. A returned
// error is either an *ItemError or the context's error.
func (r *Runner) runItem(ctx context.Context, i int, value float64) (camera.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return camera.Artifact{}, err
	}
	r.transition(RunState{Phase: ApplyingSetpoint, Index: i})
	if err := r.surface.Apply(ctx, value); err != nil {
		return camera.Artifact{}, r.itemErr(ctx, i, ErrApply, err)
	}

	if err := ctx.Err(); err != nil {
		return camera.Artifact{}, err
	}
	r.transition(RunState{Phase: AwaitingConvergence, Index: i})
	if err := r.policy.Await(ctx, value); err != nil {
		if ctx.Err() != nil {
			return camera.Artifact{}, ctx.Err()
		}
		if !errors.Is(err, converge.ErrTimeout) {
			return camera.Artifact{}, &ItemError{Index: i, Kind: ErrConvergence, Err: err}
		}
		if r.opts.OnTimeout != TimeoutCapture {
			return camera.Artifact{}, &ItemError{Index: i, Kind: ErrConvergenceTimeout, Err: err}
		}
		r.log.WithField("index", i).Warnf("capturing without convergence: %v", err)
	}

	if err := ctx.Err(); err != nil {
		return camera.Artifact{}, err
	}
	r.transition(RunState{Phase: Capturing, Index: i})
	if err := r.opts.Cue.Signal(); err != nil {
		r.log.WithField("index", i).Warnf("shutter cue failed: %v", err)
	}
	art, err := r.camera.Capture(ctx)
	if err != nil {
		return camera.Artifact{}, r.itemErr(ctx, i, ErrCapture, err)
	}
	return art, nil
}

func (r *Runner) itemErr(ctx context.Context, i int, kind, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ItemError{Index: i, Kind: kind, Err: err}
}

func (r *Runner) validate(p plan.Plan) error {
	if r.opts.Bounds != nil {
		return p.Validate(*r.opts.Bounds)
	}
	if len(p) == 0 {
		return plan.ErrEmpty
	}
	return nil
}

func (r *Runner) transition(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	debug.Live("run %s: %s", r.id[:8], s)
	r.emit(Event{Kind: EventState, Index: s.Index, State: s})
}

func (r *Runner) finish(res *Result, s RunState) {
	r.transition(s)
	res.State = s
	entry := r.log.WithFields(logrus.Fields{
		"state":     s.Phase,
		"artifacts": len(res.Artifacts),
		"failed":    len(res.Failed),
		"skipped":   len(res.Skipped),
	})
	if s.Err != nil {
		entry.Errorf("bracket run ended: %v", s.Err)
		return
	}
	entry.Info("bracket run ended")
}

func (r *Runner) release() {
	if err := r.surface.Release(); err != nil {
		r.log.Warnf("release surface: %v", err)
	}
}

func (r *Runner) emit(e Event) {
	if r.opts.Notify == nil {
		return
	}
	e.RunID = r.id
	e.Time = time.Now()
	r.opts.Notify(e)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
