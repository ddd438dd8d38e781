package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/logic/converge"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

// rig records every hardware call in order and checks that no two overlap.
type rig struct {
	mu       sync.Mutex
	calls    []string
	inflight atomic.Int32
	overlap  atomic.Bool
	releases atomic.Int32
	seq      int

	applyErr   map[float64]error
	awaitErr   map[float64]error
	captureErr map[int]error // keyed by capture attempt number, from 1

	// onAwait runs inside Await before it returns, e.g. to cancel.
	onAwait func(target float64)
	// blockAwait makes Await wait for ctx.
	blockAwait bool
}

func (r *rig) enter(call string) func() {
	if r.inflight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return func() { r.inflight.Add(-1) }
}

func (r *rig) Apply(ctx context.Context, v float64) error {
	defer r.enter(fmt.Sprintf("apply(%g)", v))()
	time.Sleep(time.Millisecond)
	return r.applyErr[v]
}

func (r *rig) Release() error {
	r.releases.Add(1)
	return nil
}

func (r *rig) Await(ctx context.Context, target float64) error {
	defer r.enter(fmt.Sprintf("await(%g)", target))()
	if r.onAwait != nil {
		r.onAwait(target)
	}
	if r.blockAwait {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.awaitErr[target]
}

func (r *rig) Capture(ctx context.Context) (camera.Artifact, error) {
	defer r.enter("capture")()
	r.mu.Lock()
	r.seq++
	n := r.seq
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
	if err := r.captureErr[n]; err != nil {
		return camera.Artifact{}, err
	}
	return camera.Artifact{ID: fmt.Sprintf("img-%d", n), Seq: n}, nil
}

func (r *rig) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofKind(k EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) phases() []Phase {
	var out []Phase
	for _, e := range l.ofKind(EventState) {
		out = append(out, e.State.Phase)
	}
	return out
}

type failingCue struct{ calls atomic.Int32 }

func (c *failingCue) Signal() error {
	c.calls.Add(1)
	return errors.New("buzzer unplugged")
}

func newTestRunner(r *rig, log *eventLog, opts Options) *Runner {
	if log != nil {
		opts.Notify = log.notify
	}
	return NewRunner(r, r, r, opts)
}

var bracket = plan.Plan{{Value: 0.2, Enabled: true}, {Value: 0.5, Enabled: false}, {Value: 0.8, Enabled: true}}

func TestRun_SkipsDisabledAndFlagsLast(t *testing.T) {
	r := &rig{}
	log := &eventLog{}
	runner := newTestRunner(r, log, Options{})

	res, err := runner.Run(context.Background(), bracket)
	require.NoError(t, err)

	assert.Equal(t, []string{"apply(0.2)", "await(0.2)", "capture", "apply(0.8)", "await(0.8)", "capture"}, r.Calls())
	assert.Equal(t, Completed, res.State.Phase)
	assert.Equal(t, Completed, runner.State().Phase)
	assert.Equal(t, []int{1}, res.Skipped)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, 0, res.Artifacts[0].Index)
	assert.False(t, res.Artifacts[0].Last)
	assert.Equal(t, 2, res.Artifacts[1].Index)
	assert.True(t, res.Artifacts[1].Last)
	assert.NotEqual(t, res.Artifacts[0].Artifact.ID, res.Artifacts[1].Artifact.ID)
	assert.EqualValues(t, 1, r.releases.Load())
	assert.False(t, r.overlap.Load())

	arts := log.ofKind(EventArtifact)
	require.Len(t, arts, 1)
	assert.Equal(t, 0, arts[0].Index)
	lasts := log.ofKind(EventLastArtifact)
	require.Len(t, lasts, 1)
	assert.Equal(t, 2, lasts[0].Index)
	assert.Equal(t, "img-2", lasts[0].Artifact.ID)
	skipped := log.ofKind(EventSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, 1, skipped[0].Index)

	assert.Equal(t, []Phase{
		ApplyingSetpoint, AwaitingConvergence, Capturing,
		ApplyingSetpoint, AwaitingConvergence, Capturing,
		Completed,
	}, log.phases())
	for _, e := range log.events {
		assert.Equal(t, runner.ID(), e.RunID)
	}
}

func TestRun_LastArtifactWhenTrailingItemsDisabled(t *testing.T) {
	r := &rig{}
	log := &eventLog{}
	p := plan.Plan{{Value: 0.9, Enabled: true}, {Value: 0.4, Enabled: true}, {Value: 0.1, Enabled: false}}

	_, err := newTestRunner(r, log, Options{}).Run(context.Background(), p)
	require.NoError(t, err)

	lasts := log.ofKind(EventLastArtifact)
	require.Len(t, lasts, 1)
	assert.Equal(t, 1, lasts[0].Index)
	assert.Len(t, log.ofKind(EventArtifact), 1)
}

func TestRun_AllDisabled(t *testing.T) {
	r := &rig{}
	log := &eventLog{}
	p := plan.Plan{{Value: 0.2, Enabled: false}, {Value: 0.4, Enabled: false}}

	res, err := newTestRunner(r, log, Options{}).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Empty(t, r.Calls())
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, Completed, res.State.Phase)
	assert.Empty(t, log.ofKind(EventLastArtifact))
	assert.EqualValues(t, 1, r.releases.Load())
}

func TestRun_InvalidPlan(t *testing.T) {
	cases := []struct {
		name   string
		p      plan.Plan
		bounds *plan.Bounds
	}{
		{"empty", plan.Plan{}, nil},
		{"nil", nil, nil},
		{"out_of_bounds", plan.Plan{{Value: 1.5, Enabled: true}}, &plan.Bounds{Min: 0, Max: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &rig{}
			res, err := newTestRunner(r, nil, Options{Bounds: tc.bounds}).Run(context.Background(), tc.p)

			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.Equal(t, Failed, res.State.Phase)
			assert.Empty(t, r.Calls())
			assert.EqualValues(t, 1, r.releases.Load())
		})
	}
}

func TestRun_CancelDuringConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first item converges at once; the second blocks until cancelled.
	r := &rig{}
	r.onAwait = func(target float64) {
		if target == 0.8 {
			r.blockAwait = true
			cancel()
		}
	}
	log := &eventLog{}

	res, err := newTestRunner(r, log, Options{}).Run(ctx, bracket)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, res.State.Phase)
	assert.Equal(t, 2, res.State.Index)
	assert.Equal(t, []string{"apply(0.2)", "await(0.2)", "capture", "apply(0.8)", "await(0.8)"}, r.Calls())
	assert.Len(t, res.Artifacts, 1)
	assert.Empty(t, log.ofKind(EventLastArtifact))
	assert.EqualValues(t, 1, r.releases.Load())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &rig{}

	res, err := newTestRunner(r, nil, Options{}).Run(ctx, bracket)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, res.State.Phase)
	assert.Empty(t, r.Calls())
	assert.EqualValues(t, 1, r.releases.Load())
}

func TestRun_CancelDuringPostCaptureDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &rig{}
	log := &eventLog{}
	opts := Options{PostCaptureDelay: time.Minute, Notify: func(e Event) {
		log.notify(e)
		if e.Kind == EventArtifact {
			cancel()
		}
	}}

	start := time.Now()
	res, err := NewRunner(r, r, r, opts).Run(ctx, bracket)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Cancelled, res.State.Phase)
	assert.Equal(t, []string{"apply(0.2)", "await(0.2)", "capture"}, r.Calls())
}

func TestRun_CaptureFailureAborts(t *testing.T) {
	shutter := errors.New("shutter stuck")
	r := &rig{captureErr: map[int]error{1: shutter}}
	log := &eventLog{}

	res, err := newTestRunner(r, log, Options{}).Run(context.Background(), bracket)

	assert.ErrorIs(t, err, ErrCapture)
	assert.ErrorIs(t, err, shutter)
	var ie *ItemError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 0, ie.Index)
	assert.Equal(t, Failed, res.State.Phase)
	assert.Equal(t, []string{"apply(0.2)", "await(0.2)", "capture"}, r.Calls(), "no setpoint after a failed capture")
	assert.Empty(t, res.Artifacts)
	assert.EqualValues(t, 1, r.releases.Load())
}

func TestRun_ApplyFailureAborts(t *testing.T) {
	r := &rig{applyErr: map[float64]error{0.8: errors.New("stall")}}

	res, err := newTestRunner(r, nil, Options{}).Run(context.Background(), bracket)

	assert.ErrorIs(t, err, ErrApply)
	assert.Equal(t, Failed, res.State.Phase)
	assert.Equal(t, 2, res.State.Index)
	assert.Len(t, res.Artifacts, 1, "earlier artifacts stay valid")
	assert.Equal(t, []string{"apply(0.2)", "await(0.2)", "capture", "apply(0.8)"}, r.Calls())
}

func TestRun_ConvergenceTimeout(t *testing.T) {
	timeout := fmt.Errorf("%w: test", converge.ErrTimeout)

	t.Run("abort", func(t *testing.T) {
		r := &rig{awaitErr: map[float64]error{0.2: timeout}}
		res, err := newTestRunner(r, nil, Options{}).Run(context.Background(), bracket)

		assert.ErrorIs(t, err, ErrConvergenceTimeout)
		assert.ErrorIs(t, err, converge.ErrTimeout)
		assert.Equal(t, Failed, res.State.Phase)
		assert.Equal(t, []string{"apply(0.2)", "await(0.2)"}, r.Calls())
	})

	t.Run("capture_anyway", func(t *testing.T) {
		r := &rig{awaitErr: map[float64]error{0.2: timeout}}
		res, err := newTestRunner(r, nil, Options{OnTimeout: TimeoutCapture}).Run(context.Background(), bracket)

		require.NoError(t, err)
		assert.Len(t, res.Artifacts, 2)
		assert.Equal(t, Completed, res.State.Phase)
	})

	t.Run("other_error_not_covered_by_capture_policy", func(t *testing.T) {
		r := &rig{awaitErr: map[float64]error{0.2: converge.ErrStreamClosed}}
		_, err := newTestRunner(r, nil, Options{OnTimeout: TimeoutCapture}).Run(context.Background(), bracket)

		assert.ErrorIs(t, err, ErrConvergence)
		assert.NotErrorIs(t, err, ErrConvergenceTimeout)
	})
}

func TestRun_ContinueOnFailure(t *testing.T) {
	p := plan.Plan{{Value: 0.9, Enabled: true}, {Value: 0.6, Enabled: true}, {Value: 0.3, Enabled: true}}
	r := &rig{captureErr: map[int]error{2: errors.New("card full")}}
	log := &eventLog{}

	res, err := newTestRunner(r, log, Options{OnFailure: FailContinue}).Run(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, Completed, res.State.Phase)
	assert.Equal(t, []int{1}, res.Failed)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, 0, res.Artifacts[0].Index)
	assert.Equal(t, 2, res.Artifacts[1].Index)
	assert.Contains(t, log.phases(), Failed)
	assert.Len(t, log.ofKind(EventLastArtifact), 1)
}

func TestRun_ContinueWhenLastItemFails(t *testing.T) {
	r := &rig{captureErr: map[int]error{2: errors.New("card full")}}
	log := &eventLog{}

	res, err := newTestRunner(r, log, Options{OnFailure: FailContinue}).Run(context.Background(), bracket)

	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Failed)
	assert.Empty(t, log.ofKind(EventLastArtifact), "no last artifact when the last item fails")
}

func TestRun_CueErrorIgnored(t *testing.T) {
	r := &rig{}
	cue := &failingCue{}

	res, err := newTestRunner(r, nil, Options{Cue: cue}).Run(context.Background(), bracket)

	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 2)
	assert.EqualValues(t, 2, cue.calls.Load())
}

func TestRun_PostCaptureDelay(t *testing.T) {
	r := &rig{}
	start := time.Now()

	_, err := newTestRunner(r, nil, Options{PostCaptureDelay: 40 * time.Millisecond}).Run(context.Background(), bracket)

	require.NoError(t, err)
	elapsed := time.Since(start)
	// One delay between the two captures, none after the last.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestRun_SingleUse(t *testing.T) {
	r := &rig{}
	runner := newTestRunner(r, nil, Options{})

	_, err := runner.Run(context.Background(), bracket)
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), bracket)
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.Nil(t, res)
	assert.EqualValues(t, 1, r.releases.Load())
}

func TestRun_PlanCopiedAtStart(t *testing.T) {
	p := bracket.Clone()
	r := &rig{}
	opts := Options{Notify: func(e Event) {
		if e.Kind == EventArtifact {
			p[2].Value = 0.1
		}
	}}

	_, err := NewRunner(r, r, r, opts).Run(context.Background(), p)

	require.NoError(t, err)
	assert.Contains(t, r.Calls(), "apply(0.8)")
}

func TestRunState_JSON(t *testing.T) {
	s := RunState{Phase: Failed, Index: 2, Err: ErrCapture}
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"failed","index":2,"error":"capture failed"}`, string(data))
	assert.Equal(t, "failed(2): capture failed", s.String())
	assert.Equal(t, "idle", RunState{Phase: Idle, Index: -1}.String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Capturing.Terminal())
}
