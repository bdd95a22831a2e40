package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodekeeper/internal/auth"
	"github.com/loykin/nodekeeper/internal/config"
	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/manager"
	"github.com/loykin/nodekeeper/internal/metrics"
	"github.com/loykin/nodekeeper/internal/process"
	nktls "github.com/loykin/nodekeeper/internal/tls"
)

// Router exposes a Manager over HTTP/JSON.
// Endpoints, all under basePath:
//
//	GET    /state                 manager snapshot
//	POST   /install               ?wait=1 blocks until the pipeline finishes
//	POST   /reset
//	POST   /node/start
//	POST   /node/stop
//	GET    /logs                  ?tail=N
//	GET    /series
//	GET    /series/available
//	POST   /series/custom         body: {"name": "..."}
//	DELETE /series/custom/:name
//	GET    /update
//	GET    /requirements
//	GET    /history               ?limit=N
//	GET    /detect
//
// Prometheus self-metrics are served on /metrics outside basePath.
type Router struct {
	mgr      *manager.Manager
	basePath string
	auth     *auth.Middleware
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// WithAuth guards every API route with m. /metrics stays open.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := g.Group(r.basePath)
	if r.auth.Enabled() {
		group.Use(r.auth.GinAuth())
	}
	group.GET("/state", r.handleState)
	group.POST("/install", r.handleInstall)
	group.POST("/reset", r.handleReset)
	group.POST("/node/start", r.handleStart)
	group.POST("/node/stop", r.handleStop)
	group.GET("/logs", r.handleLogs)
	group.GET("/series", r.handleSeries)
	group.GET("/series/available", r.handleAvailable)
	group.POST("/series/custom", r.handleAddCustom)
	group.DELETE("/series/custom/:name", r.handleRemoveCustom)
	group.GET("/update", r.handleUpdate)
	group.GET("/requirements", r.handleRequirements)
	group.GET("/history", r.handleHistory)
	group.GET("/detect", r.handleDetect)
	return g
}

// NewServer builds the API server from cfg and starts serving in the
// background. Use Shutdown on the returned server to stop it.
func NewServer(cfg config.ServerConfig, mgr *manager.Manager) (*http.Server, error) {
	tlsCfg, err := nktls.Setup(cfg.TLS)
	if err != nil {
		return nil, err
	}
	r := NewRouter(mgr, cfg.BasePath).WithAuth(auth.NewMiddleware(cfg.Auth))
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		// Certificates come from TLSConfig.GetCertificate.
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type customReq struct {
	Name string `json:"name"`
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotInstalled):
		return http.StatusPreconditionFailed
	case errors.Is(err, manager.ErrInstalling),
		errors.Is(err, manager.ErrNodeRunning),
		errors.Is(err, process.ErrAlreadyRunning),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, history.ErrNoReader):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Snapshot())
}

func (r *Router) handleInstall(c *gin.Context) {
	// The pipeline outlives the request either way: a client that stops
	// waiting must not abort the download.
	ctx := context.WithoutCancel(c.Request.Context())
	if queryBool(c, "wait") {
		res, err := r.mgr.Install(ctx, nil)
		if err != nil {
			writeErr(c, err)
			return
		}
		writeJSON(c, http.StatusOK, res)
		return
	}
	if cur := r.mgr.Snapshot().State; cur.Kind != lifecycle.Idle {
		writeErr(c, lifecycleConflict(cur.Kind))
		return
	}
	go func() { _, _ = r.mgr.Install(ctx, nil) }()
	writeJSON(c, http.StatusAccepted, r.mgr.Snapshot())
}

func lifecycleConflict(k lifecycle.Kind) error {
	return fmt.Errorf("%w: install from %s", lifecycle.ErrInvalidTransition, k)
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.mgr.Reset(); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Snapshot())
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.mgr.Start(); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Snapshot())
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.mgr.Stop(); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Snapshot())
}

func (r *Router) handleLogs(c *gin.Context) {
	n, ok := queryInt(c, "tail")
	if !ok {
		return
	}
	lines := r.mgr.Logs(n)
	if lines == nil {
		lines = []process.LogLine{}
	}
	writeJSON(c, http.StatusOK, lines)
}

func (r *Router) handleSeries(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Series())
}

func (r *Router) handleAvailable(c *gin.Context) {
	names := r.mgr.AvailableMetrics()
	if names == nil {
		names = []string{}
	}
	writeJSON(c, http.StatusOK, names)
}

func (r *Router) handleAddCustom(c *gin.Context) {
	var req customReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isMetricName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid metric name"})
		return
	}
	if !r.mgr.AddCustomMetric(req.Name) {
		writeJSON(c, http.StatusConflict, errorResp{Error: "metric already tracked: " + req.Name})
		return
	}
	writeJSON(c, http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleRemoveCustom(c *gin.Context) {
	name := c.Param("name")
	if !isMetricName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid metric name"})
		return
	}
	if !r.mgr.RemoveCustomMetric(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not a custom metric: " + name})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUpdate(c *gin.Context) {
	info, err := r.mgr.CheckUpdate(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleRequirements(c *gin.Context) {
	rep, err := r.mgr.Requirements(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	events, err := r.mgr.History(c.Request.Context(), limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleDetect(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Detect(c.Request.Context()))
}

// queryInt reads a non-negative integer query parameter; missing is 0. On a
// bad value it writes a 400 and reports false.
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + key + ": " + raw})
		return 0, false
	}
	return n, true
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}
