// Package server exposes a read-only HTTP view of a running supervision
// tree. The supervisor itself is driven only through its Go API; the
// server is for inspection.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supv/internal/metrics"
	"github.com/loykin/supv/internal/supervisor"
)

// Snapshotter is the part of a supervisor the server reads.
type Snapshotter interface {
	Snapshot() supervisor.Snapshot
}

// Router provides embeddable HTTP handlers for inspecting a tree.
// Endpoints:
//
//	GET {basePath}/status   full tree snapshot
//	GET {basePath}/healthz  200 while the tree is not stopped
//	GET {basePath}/metrics  Prometheus exposition (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	snap        Snapshotter
	basePath    string
	withMetrics bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(snap Snapshotter, basePath string, withMetrics bool) *Router {
	return &Router{snap: snap, basePath: sanitizeBase(basePath), withMetrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	if r.withMetrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Callers shut it down via the returned http.Server.
func NewServer(addr, basePath string, snap Snapshotter, withMetrics bool) (*http.Server, error) {
	r := NewRouter(snap, basePath, withMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.snap == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no supervisor attached"})
		return
	}
	writeJSON(c, http.StatusOK, r.snap.Snapshot())
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.snap == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no supervisor attached"})
		return
	}
	snap := r.snap.Snapshot()
	code := http.StatusOK
	if snap.Phase == supervisor.PhaseStopped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, snap)
}
