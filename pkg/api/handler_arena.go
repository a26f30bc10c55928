package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/config"
)

// createArenaRequest is the body of POST /arena/create (spec §6, §4.8). An
// absent config block falls back to config.DefaultArenaConfig, the same
// weights spec §4.8 names; a present config block is used as given and must
// pass validation on its own.
type createArenaRequest struct {
	Name   string              `json:"name" binding:"required"`
	Config *config.ArenaConfig `json:"config"`
}

func (s *Server) createArena(c *gin.Context) {
	var req createArenaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cfg := config.DefaultArenaConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	a, err := s.arenaMgr.CreateArena(c.Request.Context(), req.Name, arena.FromConfig(cfg))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, a)
}

func (s *Server) startArena(c *gin.Context) {
	a, err := s.arenaMgr.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if s.evaluator != nil {
		s.evaluator.RegisterArena(a.ArenaID)
	}
	ok(c, a)
}

func (s *Server) pauseArena(c *gin.Context) {
	if err := s.arenaMgr.Pause(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) resumeArena(c *gin.Context) {
	if err := s.arenaMgr.Resume(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) deleteArena(c *gin.Context) {
	arenaID := c.Param("id")
	if err := s.arenaMgr.Delete(c.Request.Context(), arenaID); err != nil {
		fail(c, err)
		return
	}
	if s.evaluator != nil {
		s.evaluator.UnregisterArena(arenaID)
	}
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Message: "ok"})
}

func (s *Server) arenaStatus(c *gin.Context) {
	a, err := s.arenaMgr.GetArena(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, a)
}

func (s *Server) arenaStrategies(c *gin.Context) {
	strategies, err := s.arenaMgr.GetStrategies(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	if activeOnly, _ := strconv.ParseBool(c.Query("active_only")); activeOnly {
		filtered := strategies[:0]
		for _, st := range strategies {
			if st.IsActive {
				filtered = append(filtered, st)
			}
		}
		strategies = filtered
	}
	ok(c, strategies)
}

func (s *Server) arenaLeaderboard(c *gin.Context) {
	board, err := s.arenaMgr.GetLeaderboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, board)
}

type evaluateArenaRequest struct {
	Period string `json:"period" binding:"required,oneof=daily weekly monthly"`
}

func (s *Server) evaluateArena(c *gin.Context) {
	var req evaluateArenaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.evaluator.EvaluateArena(c.Request.Context(), c.Param("id"), arena.ElimPeriod(req.Period)); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) discussionStart(c *gin.Context) {
	arenaID := c.Param("id")

	// Runs to completion in the background; clients observe progress over
	// the thinking-stream SSE endpoint rather than this request's response
	// (spec §4.11), mirroring the teacher's `go s.processSession(sess)`
	// fire-and-forget pattern.
	go func() {
		if _, err := s.orchestrator.RunRound(context.Background(), arenaID); err != nil {
			slog.Error("discussion round failed", "arena_id", arenaID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, Envelope{Code: CodeOK, Message: "discussion round started"})
}

// interventionRequest discriminates the three human-in-the-loop actions
// spec §4.11 names for a running discussion: inject a message, adjust a
// strategy's score, or eliminate a strategy outright.
type interventionRequest struct {
	Action     string  `json:"action" binding:"required,oneof=inject_message adjust_score eliminate_strategy"`
	Content    string  `json:"content"`
	StrategyID string  `json:"strategy_id"`
	Delta      float64 `json:"delta"`
	Reason     string  `json:"reason"`
}

func (s *Server) discussionIntervention(c *gin.Context) {
	arenaID := c.Param("id")
	var req interventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Action {
	case "inject_message":
		err = s.orchestrator.InjectMessage(ctx, arenaID, req.Content)
	case "adjust_score":
		err = s.orchestrator.AdjustScore(ctx, arenaID, req.StrategyID, req.Delta)
	case "eliminate_strategy":
		err = s.orchestrator.EliminateStrategy(ctx, arenaID, req.StrategyID, req.Reason)
	}
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}
