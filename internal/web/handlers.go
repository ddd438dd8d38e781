package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/logic/capture"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

const (
	maxBodyBytes = 1 << 20
	// Minimum spacing between two accepted POST /run.
	runInterval = 5 * time.Second
)

var (
	errRunning     = errors.New("a bracket run is already in progress")
	errIdle        = errors.New("no bracket run in progress")
	errNoRunner    = errors.New("capture not configured")
	errNoStore     = errors.New("plan storage not configured")
	errRateLimited = errors.New("too many run requests, retry in a few seconds")
	errClosing     = errors.New("server is shutting down")
)

// RunFunc performs one bracket run, reporting events through notify.
// It is called from the POST /run handler in a goroutine.
type RunFunc func(ctx context.Context, p plan.Plan, notify func(capture.Event)) (*capture.Result, error)

// ConfigInfo is what the page needs to build its plan editor.
type ConfigInfo struct {
	Bounds             plan.Bounds `json:"bounds"`
	Unit               string      `json:"unit"`
	PostCaptureDelayMs int         `json:"post_capture_delay_ms"`
	Convergence        string      `json:"convergence"`
	OnTimeout          string      `json:"on_timeout"`
	OnFailure          string      `json:"on_failure"`
}

// Status is the reply of GET /status.
type Status struct {
	Running bool             `json:"running"`
	RunID   string           `json:"run_id,omitempty"`
	State   capture.RunState `json:"state"`
	Result  *capture.Result  `json:"result,omitempty"`
}

type planRequest struct {
	Plan plan.Plan `json:"plan"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Run         RunFunc
	Plans       *plan.Store
	Info        ConfigInfo
	staticFS    fs.FS
	limiter     *rate.Limiter

	mu      sync.Mutex
	running bool
	closing bool
	cancel  context.CancelFunc
	status  Status
	runs    sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If run is nil, POST /run answers 503. If plans is nil, PUT /plan answers
// 503 and runs use the generated default plan.
func NewHandlers(broadcaster *StatusBroadcaster, run RunFunc, plans *plan.Store, info ConfigInfo, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Run:         run,
		Plans:       plans,
		Info:        info,
		staticFS:    staticFS,
		limiter:     rate.NewLimiter(rate.Every(runInterval), 1),
		status:      Status{State: capture.RunState{Phase: capture.Idle, Index: -1}},
	}
}

func abort(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// HandleConfig returns the rail bounds and run policies.
func (h *Handlers) HandleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Info)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(c *gin.Context) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func (h *Handlers) currentPlan() plan.Plan {
	if h.Plans == nil {
		return plan.ForBounds(h.Info.Bounds)
	}
	return h.Plans.LoadOrDefault(h.Info.Bounds)
}

// requestedPlan returns the body's plan, or the stored one for an empty body.
func (h *Handlers) requestedPlan(c *gin.Context) (plan.Plan, error) {
	if c.Request.ContentLength == 0 {
		return h.currentPlan(), nil
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Plan == nil {
		return h.currentPlan(), nil
	}
	return req.Plan, nil
}

// HandleRun handles POST /run to start a bracket run.
func (h *Handlers) HandleRun(c *gin.Context) {
	p, err := h.requestedPlan(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := p.Validate(h.Info.Bounds); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if h.Run == nil {
		abort(c, http.StatusServiceUnavailable, errNoRunner)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		abort(c, http.StatusServiceUnavailable, errClosing)
		return
	}
	if h.running {
		h.mu.Unlock()
		abort(c, http.StatusConflict, errRunning)
		return
	}
	if !h.limiter.Allow() {
		h.mu.Unlock()
		abort(c, http.StatusTooManyRequests, errRateLimited)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.status = Status{Running: true, State: capture.RunState{Phase: capture.Idle, Index: -1}}
	h.runs.Add(1)
	h.mu.Unlock()

	if h.Plans != nil {
		if err := h.Plans.Save(p); err != nil {
			debug.Warn("web: could not persist plan: %v", err)
		}
	}

	go h.execute(ctx, cancel, p)

	c.JSON(http.StatusAccepted, gin.H{"status": "started", "items": len(p), "enabled": p.EnabledCount()})
}

func (h *Handlers) execute(ctx context.Context, cancel context.CancelFunc, p plan.Plan) {
	defer h.runs.Done()
	defer cancel()

	res, err := h.Run(ctx, p, h.onEvent)

	h.mu.Lock()
	h.running = false
	h.cancel = nil
	h.status.Running = false
	h.status.Result = res
	if res != nil {
		h.status.RunID = res.RunID
		h.status.State = res.State
	}
	h.mu.Unlock()

	switch {
	case errors.Is(err, capture.ErrCancelled):
		h.Broadcaster.Broadcast("warn", "Sequence cancelled")
	case err != nil:
		h.Broadcaster.Broadcast("error", "Sequence failed: "+err.Error())
		debug.Error(err)
	case res != nil:
		h.Broadcaster.Broadcast("info", fmt.Sprintf("Sequence complete: %d picture(s)", len(res.Artifacts)))
	default:
		h.Broadcaster.Broadcast("info", "Sequence complete")
	}
}

func (h *Handlers) onEvent(e capture.Event) {
	h.mu.Lock()
	h.status.RunID = e.RunID
	if e.Kind == capture.EventState {
		h.status.State = e.State
	}
	h.mu.Unlock()
	h.Broadcaster.BroadcastEvent(e)
}

// HandleStop handles POST /stop: cancels the active run.
func (h *Handlers) HandleStop(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.cancel == nil {
		abort(c, http.StatusConflict, errIdle)
		return
	}
	h.cancel()
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "run_id": h.status.RunID})
}

// Shutdown refuses new runs, cancels the active one and waits until it has
// returned, so the surface is released before the hardware is closed.
func (h *Handlers) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the active run: %w", ctx.Err())
	}
}

// Status returns a snapshot of the current or last run.
func (h *Handlers) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Status())
}

// HandleGetPlan handles GET /plan.
func (h *Handlers) HandleGetPlan(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plan": h.currentPlan(), "bounds": h.Info.Bounds})
}

// HandlePutPlan handles PUT /plan: validates and stores a new plan.
func (h *Handlers) HandlePutPlan(c *gin.Context) {
	if h.Plans == nil {
		abort(c, http.StatusServiceUnavailable, errNoStore)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := req.Plan.Validate(h.Info.Bounds); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.Plans.Save(req.Plan); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	debug.Info("Plan updated: %s", req.Plan)
	c.JSON(http.StatusOK, gin.H{"plan": req.Plan})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.WriteString(": connected\n\n")
	w.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.WriteString("data: " + msg + "\n\n")
			w.Flush()

		case <-ticker.C:
			w.WriteString(": heartbeat\n\n")
			w.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
