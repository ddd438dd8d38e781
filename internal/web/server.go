package web

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, run RunFunc, plans *plan.Store, info ConfigInfo) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		debug.Logger().Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, run, plans, info, subFS),
	}
}

// Handlers exposes the handlers, e.g. to read the run status.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Router returns a gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginLogger(debug.Logger()))
	routes(r, s.handlers)
	return r
}

func routes(r *gin.Engine, h *Handlers) {
	r.POST("/run", h.HandleRun)
	r.POST("/stop", h.HandleStop)
	r.GET("/status", h.HandleStatus)
	r.GET("/status/stream", h.HandleStatusStream)
	r.GET("/plan", h.HandleGetPlan)
	r.PUT("/plan", h.HandlePutPlan)
	r.GET("/config", h.HandleConfig)
	r.StaticFS("/static", http.FS(h.staticFS))
	r.GET("/", h.ServeIndex)
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. An active run is cancelled and has returned when Run returns.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-errCh:
		if err == http.ErrServerClosed {
			err = nil
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if herr := s.handlers.Shutdown(runCtx); herr != nil && err == nil {
		err = herr
	}
	return err
}

// ginLogger logs each request through logrus.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		statusCode := c.Writer.Status()
		dataLength := max(c.Writer.Size(), 0)

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency,
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d (%dms)", c.Request.Method, path, statusCode, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(msg)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
