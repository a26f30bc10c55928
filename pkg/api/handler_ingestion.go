package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketcore/platform/pkg/scheduler"
	"github.com/marketcore/platform/pkg/store"
)

// pluginStatus is one row of GET /datasource/plugins (spec §6): static
// config joined with the live schedule-enabled override and a missing-data
// count over the default lookback window.
type pluginStatus struct {
	Name            string `json:"name"`
	Table           string `json:"table"`
	Role            string `json:"role"`
	Category        string `json:"category"`
	ScheduleEnabled bool   `json:"schedule_enabled"`
	MissingDates    int    `json:"missing_dates"`
}

func (s *Server) listPlugins(c *gin.Context) {
	plugins := s.registry.List()

	report, err := s.missing.Detect(c.Request.Context(), store.DefaultWindow, "")
	if err != nil {
		logAndFail(c, "detecting missing data for plugin list", err)
		return
	}

	out := make([]pluginStatus, 0, len(plugins))
	for _, p := range plugins {
		enabled, err := s.registry.EffectiveScheduleEnabled(p.Name)
		if err != nil {
			logAndFail(c, "resolving schedule override", err)
			return
		}
		out = append(out, pluginStatus{
			Name:            p.Name,
			Table:           p.Table,
			Role:            string(p.Role),
			Category:        p.Category,
			ScheduleEnabled: enabled,
			MissingDates:    len(report[p.Name]),
		})
	}
	ok(c, out)
}

// syncRequest is the body of POST /datasource/sync (spec §6): one or more
// plugin names, a task type, and an optional explicit date range.
type syncRequest struct {
	PluginNames    []string `json:"plugin_names" binding:"required,min=1"`
	TaskType       string   `json:"task_type" binding:"required,oneof=incremental full backfill"`
	TradeDates     []string `json:"trade_dates"`
	ForceOverwrite bool     `json:"force_overwrite"`
}

func (s *Server) triggerSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	exec, err := s.scheduler.TriggerManual(c.Request.Context(), scheduler.TriggerRequest{
		PluginNames:    req.PluginNames,
		TaskType:       store.TaskType(req.TaskType),
		TradeDates:     req.TradeDates,
		ForceOverwrite: req.ForceOverwrite,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, exec)
}

type groupTriggerRequest struct {
	TradeDates     []string `json:"trade_dates"`
	ForceOverwrite bool     `json:"force_overwrite"`
}

func (s *Server) triggerGroup(c *gin.Context) {
	groupName := c.Param("id")
	var req groupTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		badRequest(c, err)
		return
	}

	exec, err := s.scheduler.TriggerGroup(c.Request.Context(), groupName, req.TradeDates, req.ForceOverwrite)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, exec)
}

func (s *Server) listExecutions(c *gin.Context) {
	var limit int
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	execs, err := s.execStore.ListExecutions(c.Request.Context(), store.ListExecutionsFilter{
		Status:      store.ExecutionStatus(c.Query("status")),
		TriggerType: store.TriggerType(c.Query("trigger_type")),
		Limit:       limit,
	})
	if err != nil {
		logAndFail(c, "listing executions", err)
		return
	}
	ok(c, execs)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, tasks, err := s.execStore.GetExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"execution": exec, "sub_tasks": tasks})
}

func (s *Server) stopExecution(c *gin.Context) {
	if err := s.execStore.Stop(c.Request.Context(), c.Param("execution_id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) retryExecution(c *gin.Context) {
	if err := s.execStore.Retry(c.Request.Context(), c.Param("execution_id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) deleteExecution(c *gin.Context) {
	if err := s.execStore.Delete(c.Request.Context(), c.Param("execution_id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Message: "ok"})
}

func (s *Server) missingData(c *gin.Context) {
	window := store.DefaultWindow
	if raw := c.Query("window_days"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			window = time.Duration(n) * 24 * time.Hour
		}
	}

	report, err := s.missing.Detect(c.Request.Context(), window, c.Query("plugin_name"))
	if err != nil {
		logAndFail(c, "detecting missing data", err)
		return
	}
	ok(c, report)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
