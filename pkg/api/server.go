package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/competition"
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/database"
	"github.com/marketcore/platform/pkg/discussion"
	"github.com/marketcore/platform/pkg/evaluator"
	"github.com/marketcore/platform/pkg/scheduler"
	"github.com/marketcore/platform/pkg/store"
	"github.com/marketcore/platform/pkg/stream"
)

// Server wires every domain component behind one gin.Engine (spec §6).
// Grounded on the teacher's pkg/api.Server/cmd/tarsy's gin.Default() +
// router.Run(":"+port) shape; generalized from one sessionMgr/llmClient
// pair to this module's full ingestion+arena component set.
type Server struct {
	router *gin.Engine

	db        *database.Client
	scheduler *scheduler.Scheduler
	execStore *store.ExecutionStore
	missing   *store.MissingDataDetector
	registry  *config.Registry

	arenaMgr     *arena.Manager
	orchestrator *discussion.Orchestrator
	competition  *competition.Engine
	evaluator    *evaluator.Evaluator
	processor    *stream.Processor
}

// Dependencies bundles every component Server routes against.
type Dependencies struct {
	DB           *database.Client
	Scheduler    *scheduler.Scheduler
	ExecStore    *store.ExecutionStore
	Missing      *store.MissingDataDetector
	Registry     *config.Registry
	ArenaMgr     *arena.Manager
	Orchestrator *discussion.Orchestrator
	Competition  *competition.Engine
	Evaluator    *evaluator.Evaluator
	Processor    *stream.Processor
}

// NewServer constructs a Server and registers every route.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		router:       gin.Default(),
		db:           deps.DB,
		scheduler:    deps.Scheduler,
		execStore:    deps.ExecStore,
		missing:      deps.Missing,
		registry:     deps.Registry,
		arenaMgr:     deps.ArenaMgr,
		orchestrator: deps.Orchestrator,
		competition:  deps.Competition,
		evaluator:    deps.Evaluator,
		processor:    deps.Processor,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the underlying gin.Engine so cmd/marketcore can drive it
// through an *http.Server with graceful shutdown (the teacher instead calls
// router.Run directly; this module's cmd needs to stop Scheduler/Evaluator
// cleanly alongside the HTTP listener, so it owns the listener itself).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)

	grp := s.router.Group("/api")
	{
		ds := grp.Group("/datasource")
		ds.GET("/plugins", s.listPlugins)
		ds.POST("/sync", s.triggerSync)
		ds.POST("/group/:id/trigger", s.triggerGroup)
		ds.GET("/executions", s.listExecutions)
		ds.GET("/executions/:execution_id", s.getExecution)
		ds.POST("/executions/:execution_id/stop", s.stopExecution)
		ds.POST("/executions/:execution_id/retry", s.retryExecution)
		ds.DELETE("/executions/:execution_id", s.deleteExecution)
		ds.GET("/missing", s.missingData)

		ar := grp.Group("/arena")
		ar.POST("/create", s.createArena)
		ar.POST("/:id/start", s.startArena)
		ar.POST("/:id/pause", s.pauseArena)
		ar.POST("/:id/resume", s.resumeArena)
		ar.DELETE("/:id", s.deleteArena)
		ar.GET("/:id/status", s.arenaStatus)
		ar.GET("/:id/strategies", s.arenaStrategies)
		ar.GET("/:id/leaderboard", s.arenaLeaderboard)
		ar.POST("/:id/evaluate", s.evaluateArena)
		ar.POST("/:id/discussion/start", s.discussionStart)
		ar.POST("/:id/discussion/intervention", s.discussionIntervention)
		ar.GET("/:id/thinking-stream", s.thinkingStream)
	}
}

// health reports DB reachability, worker-pool occupancy, and active Arena
// counts (SPEC_FULL.md §3 supplemented health/readiness surface), grounded
// on the teacher's health handler + pkg/mcp health monitor idiom of
// aggregating subsystem status into one JSON body rather than a bare 200.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbStatus, dbErr := s.db.Health(ctx)
	totalWorkers, activeWorkers := s.scheduler.Status()
	activeArenas, arenaErr := s.arenaMgr.CountActive(ctx)

	status := "ok"
	if dbErr != nil || arenaErr != nil {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"database": dbStatus,
		"workers": gin.H{
			"total":  totalWorkers,
			"active": activeWorkers,
		},
		"active_arenas": activeArenas,
	})
}

// thinkingStream streams ThinkingMessages for one Arena as Server-Sent
// Events (spec §4.11, §6): one `data: <json>` frame per message, closed by
// `data: {"type":"done"}` when the subscription is dropped. Grounded on the
// teacher's WebSocket hub (handler_ws.go) as the closest analog for "push
// live events to a connected client", generalized here to gin-contrib/sse
// framing per SPEC_FULL.md's documented replacement of the teacher's
// WebSocket channel with the spec's plain SSE contract.
func (s *Server) thinkingStream(c *gin.Context) {
	arenaID := c.Param("id")
	sub := s.processor.Subscribe(arenaID)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	for {
		select {
		case msg, open := <-sub.Messages:
			if !open {
				_ = sse.Encode(c.Writer, sse.Event{Data: map[string]string{"type": "done"}})
				c.Writer.Flush()
				return
			}
			_ = sse.Encode(c.Writer, sse.Event{Data: msg})
			c.Writer.Flush()
		case <-clientGone:
			return
		case <-time.After(30 * time.Second):
			// keep-alive comment line so intermediaries don't close the
			// connection on an idle Arena.
			_, _ = c.Writer.Write([]byte(": keep-alive\n\n"))
			c.Writer.Flush()
		}
	}
}

func logAndFail(c *gin.Context, context string, err error) {
	slog.Error(context, "error", err)
	fail(c, err)
}
