package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/qmaster/internal/driver"
	"github.com/loykin/qmaster/internal/metrics"
	"github.com/loykin/qmaster/internal/snapshot"
	"github.com/loykin/qmaster/internal/supervisor"
)

// Controller is the supervisor surface exposed over HTTP.
type Controller interface {
	Channel() string
	IsRunning() bool
	State() supervisor.State
	Reload() error
}

type Deps struct {
	Supervisor Controller
	// Snapshots, Queue and Workers are optional.
	Snapshots interface {
		Last() (snapshot.Snapshot, bool)
	}
	Queue interface {
		Status(ctx context.Context) (driver.Stats, error)
	}
	Workers func() map[string]int32
}

// Router serves the status endpoints of one channel:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/status
//	POST {basePath}/reload
//	GET  {basePath}/metrics
type Router struct {
	deps     Deps
	basePath string
}

func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns a gin engine that can be mounted in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.POST("/reload", r.handleReload)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr. Callers stop it with
// Shutdown or Close.
func NewServer(addr, basePath string, deps Deps) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type counts struct {
	Waiting  int64 `json:"waiting"`
	Reserved int64 `json:"reserved"`
	Delayed  int64 `json:"delayed"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Total    int64 `json:"total"`
}

type statusResp struct {
	Channel  string             `json:"channel"`
	Running  bool               `json:"running"`
	State    string             `json:"state"`
	Queue    *counts            `json:"queue,omitempty"`
	Snapshot *snapshot.Snapshot `json:"snapshot,omitempty"`
	Workers  map[string]int32   `json:"workers,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.deps.Supervisor.State() != supervisor.StateRunning {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "supervisor " + r.deps.Supervisor.State().String()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	sup := r.deps.Supervisor
	resp := statusResp{
		Channel: sup.Channel(),
		Running: sup.IsRunning(),
		State:   sup.State().String(),
	}
	if r.deps.Queue != nil {
		st, err := r.deps.Queue.Status(c.Request.Context())
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		resp.Queue = &counts{st.Waiting, st.Reserved, st.Delayed, st.Done, st.Failed, st.Total}
	}
	if r.deps.Snapshots != nil {
		if last, ok := r.deps.Snapshots.Last(); ok {
			resp.Snapshot = &last
		}
	}
	if r.deps.Workers != nil {
		resp.Workers = r.deps.Workers()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleReload(c *gin.Context) {
	if err := r.deps.Supervisor.Reload(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
