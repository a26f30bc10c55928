package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/platform/pkg/arena"
	"github.com/marketcore/platform/pkg/calendar"
	"github.com/marketcore/platform/pkg/clock"
	"github.com/marketcore/platform/pkg/competition"
	"github.com/marketcore/platform/pkg/config"
	"github.com/marketcore/platform/pkg/discussion"
	"github.com/marketcore/platform/pkg/evaluator"
	"github.com/marketcore/platform/pkg/llm"
	"github.com/marketcore/platform/pkg/ratelimit"
	"github.com/marketcore/platform/pkg/scheduler"
	"github.com/marketcore/platform/pkg/store"
	"github.com/marketcore/platform/pkg/stream"
)

type fakeMetricsProvider struct{ metrics competition.StageMetrics }

func (f *fakeMetricsProvider) StageMetrics(_ context.Context, _ string, _ arena.Stage) (competition.StageMetrics, error) {
	return f.metrics, nil
}

func newServerHarness(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client := newAPITestClient(t)
	clk := clock.Real{}

	dailyBar := config.Plugin{
		Name: "daily_bar", Table: "daily_bar", Role: config.RoleBasic, Category: "market",
		RateLimitPerMinute: 600, OrderKey: "trade_date", PartitionKey: "trade_date",
		Parameters: []config.ParameterDecl{{Name: "trade_date", Type: "date", DateParam: true}},
		Enabled:    true, ScheduleEnabled: true,
	}
	registry, err := config.NewRegistry([]config.Plugin{dailyBar}, nil, config.NewOverrideStore())
	require.NoError(t, err)

	execStore := store.NewExecutionStore(client.Pool, clk)
	synchronizer := store.NewSchemaSynchronizer(client.Pool, clk)
	loader := store.NewLoader(client.Pool, synchronizer, clk)
	governor := ratelimit.New()
	cal := calendar.NewWeekdayCalendar(nil)
	missing := store.NewMissingDataDetector(client.Pool, registry, cal)

	sched, err := scheduler.New(scheduler.Config{
		DB:             client.Pool,
		Registry:       registry,
		ExecutionStore: execStore,
		Loader:         loader,
		Governor:       governor,
		Calendar:       cal,
		Clock:          clk,
		WorkerCount:    1,
	})
	require.NoError(t, err)

	arenaMgr := arena.NewManager(client.Pool, clk)
	processor := stream.New(clk)
	generator := &llm.FakeGenerator{}
	orchestrator := discussion.New(arenaMgr, processor, generator, clk)
	engine := competition.New(arenaMgr, &fakeMetricsProvider{})
	eval := evaluator.New(arenaMgr, clk)

	return NewServer(Dependencies{
		DB:           client,
		Scheduler:    sched,
		ExecStore:    execStore,
		Missing:      missing,
		Registry:     registry,
		ArenaMgr:     arenaMgr,
		Orchestrator: orchestrator,
		Competition:  engine,
		Evaluator:    eval,
		Processor:    processor,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthReturnsOK(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateArenaReturnsEnvelopeWithDefaults(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodPost, "/api/arena/create", createArenaRequest{Name: "envelope-arena"})
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeOK, env.Code)
	assert.NotNil(t, env.Data)
}

func TestCreateArenaInvalidConfigReturns40001(t *testing.T) {
	s := newServerHarness(t)
	badCfg := config.ArenaConfig{AgentCount: 1, DiscussionMaxRounds: 1, MinActiveStrategies: 1}
	rec := doJSON(t, s, http.MethodPost, "/api/arena/create", createArenaRequest{Name: "bad-arena", Config: &badCfg})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeInvalidArgs, env.Code)
}

func TestArenaStatusUnknownArenaReturns40002(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodGet, "/api/arena/does-not-exist/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeNotFound, env.Code)
}

func TestArenaLifecycleStartPauseResume(t *testing.T) {
	s := newServerHarness(t)

	createRec := doJSON(t, s, http.MethodPost, "/api/arena/create", createArenaRequest{Name: "lifecycle-arena"})
	require.Equal(t, http.StatusOK, createRec.Code)
	env := decodeEnvelope(t, createRec)
	data := env.Data.(map[string]any)
	arenaID := data["ArenaID"].(string)

	startRec := doJSON(t, s, http.MethodPost, "/api/arena/"+arenaID+"/start", nil)
	require.Equal(t, http.StatusOK, startRec.Code)

	pauseRec := doJSON(t, s, http.MethodPost, "/api/arena/"+arenaID+"/pause", nil)
	require.Equal(t, http.StatusOK, pauseRec.Code)

	resumeRec := doJSON(t, s, http.MethodPost, "/api/arena/"+arenaID+"/resume", nil)
	assert.Equal(t, http.StatusOK, resumeRec.Code)
}

func TestTriggerSyncInvalidTaskTypeReturns400(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodPost, "/api/datasource/sync", syncRequest{PluginNames: []string{"daily_bar"}, TaskType: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPluginsIncludesConfiguredPlugin(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodGet, "/api/datasource/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	list := env.Data.([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "daily_bar", list[0].(map[string]any)["name"])
}

func TestGetExecutionUnknownReturns40002(t *testing.T) {
	s := newServerHarness(t)
	rec := doJSON(t, s, http.MethodGet, "/api/datasource/executions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThinkingStreamFramesOneMessagePerEvent(t *testing.T) {
	s := newServerHarness(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	createRec := doJSON(t, s, http.MethodPost, "/api/arena/create", createArenaRequest{Name: "stream-arena"})
	require.Equal(t, http.StatusOK, createRec.Code)
	arenaID := decodeEnvelope(t, createRec).Data.(map[string]any)["ArenaID"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/arena/"+arenaID+"/thinking-stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// give thinkingStream time to register its subscription before publishing
	time.Sleep(50 * time.Millisecond)
	s.processor.Publish(context.Background(), arena.ThinkingMessage{
		MessageID: "m1", ArenaID: arenaID, Type: arena.MessageThinking, Content: "scanning setups",
	})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, "scanning setups")
			break
		}
	}
}
