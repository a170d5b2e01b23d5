package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
	"github.com/conveyorci/conveyor/pkg/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeMaster records everything the agent reports back.
type fakeMaster struct {
	mu         sync.Mutex
	eventKinds []string
	result     map[string]any
	srv        *httptest.Server
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	m := &fakeMaster{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/register", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"agent_id":"agent-test-id"}`))
	})
	mux.HandleFunc("POST /api/builds/{id}/agent-events", func(w http.ResponseWriter, r *http.Request) {
		var ev events.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.eventKinds = append(m.eventKinds, ev.Kind)
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /api/builds/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.result = body
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/builds/{id}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMaster) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.eventKinds...)
}

func (m *fakeMaster) finalResult() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

func newAgentHarness(t *testing.T, master *fakeMaster, maxBuilds int) (*Worker, *Server, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(st, config.DefaultEventsConfig())
	runnerCfg := config.DefaultRunnerConfig()
	exec := executor.New(
		st,
		bus,
		workspace.NewManager(t.TempDir()),
		cache.NewManager(st, &config.CacheConfig{Dir: t.TempDir()}),
		approval.NewManager(st, bus),
		nil,
		nil,
		executor.Hooks{},
		runnerCfg,
		&config.WorkspaceConfig{ArtifactsDir: t.TempDir()},
	)

	cfg := &config.AgentConfig{
		Name:              "agent-test",
		MasterURL:         master.srv.URL,
		AdvertiseURL:      "http://localhost:18081",
		MaxBuilds:         maxBuilds,
		HeartbeatInterval: time.Minute,
	}
	client := NewClient(cfg)
	require.NoError(t, client.Register(context.Background()))
	assert.Equal(t, "agent-test-id", client.AgentID())

	worker := NewWorker(st, bus, exec, client, cfg, runnerCfg)
	return worker, NewServer(worker, cfg), st
}

func postDispatch(t *testing.T, router *gin.Engine, d Dispatch, token string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/builds", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func simplePipelineValue(command string) json.RawMessage {
	return json.RawMessage(`{"stages":[{"name":"build","steps":[{"name":"run","type":"shell","command":"` + command + `"}]}]}`)
}

func TestDispatchRunsBuildAndReportsBack(t *testing.T) {
	master := newFakeMaster(t)
	worker, server, st := newAgentHarness(t, master, 2)
	router := server.Router()

	rec := postDispatch(t, router, Dispatch{
		BuildID:       "build-remote-1",
		JobID:         "job-remote",
		OrgID:         "org-remote",
		PipelineValue: simplePipelineValue("true"),
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	worker.Wait()

	// The build ran against the mirrored local records.
	build, err := st.GetBuild(context.Background(), "build-remote-1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSuccess, build.Status)

	result := master.finalResult()
	require.NotNil(t, result)
	assert.Equal(t, string(models.BuildStatusSuccess), result["status"])

	kinds := master.kinds()
	assert.Contains(t, kinds, events.KindBuildStarted)
	assert.Contains(t, kinds, events.KindStageCompleted)
	assert.Contains(t, kinds, events.KindBuildCompleted)
}

func TestDispatchFailedBuildReportsErrorKind(t *testing.T) {
	master := newFakeMaster(t)
	worker, server, _ := newAgentHarness(t, master, 2)

	rec := postDispatch(t, server.Router(), Dispatch{
		BuildID:       "build-remote-2",
		JobID:         "job-remote",
		OrgID:         "org-remote",
		PipelineValue: simplePipelineValue("exit 7"),
	}, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	worker.Wait()

	result := master.finalResult()
	require.NotNil(t, result)
	assert.Equal(t, string(models.BuildStatusFailure), result["status"])
	assert.Equal(t, "step-nonzero-exit", result["error_kind"])
}

func TestDispatchAtCapacityReturns503(t *testing.T) {
	master := newFakeMaster(t)
	worker, server, _ := newAgentHarness(t, master, 1)

	// Occupy the only slot.
	require.True(t, worker.slots.TryAcquire(1))
	defer worker.slots.Release(1)

	rec := postDispatch(t, server.Router(), Dispatch{
		BuildID:       "build-remote-3",
		JobID:         "job-remote",
		OrgID:         "org-remote",
		PipelineValue: simplePipelineValue("true"),
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchRejectsMissingFields(t *testing.T) {
	master := newFakeMaster(t)
	_, server, _ := newAgentHarness(t, master, 1)

	rec := postDispatch(t, server.Router(), Dispatch{BuildID: "only-a-build"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMasterAuthEnforcedWhenConfigured(t *testing.T) {
	master := newFakeMaster(t)
	worker, server, _ := newAgentHarness(t, master, 1)
	server.cfg.Token = "s3cret-token"

	d := Dispatch{
		BuildID:       "build-remote-4",
		JobID:         "job-remote",
		OrgID:         "org-remote",
		PipelineValue: simplePipelineValue("true"),
	}
	rec := postDispatch(t, server.Router(), d, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postDispatch(t, server.Router(), d, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postDispatch(t, server.Router(), d, "s3cret-token")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	worker.Wait()
}

func TestHealthReportsActiveBuilds(t *testing.T) {
	master := newFakeMaster(t)
	_, server, _ := newAgentHarness(t, master, 2)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "agent-test", body["name"])
	assert.Equal(t, float64(0), body["active_builds"])
}

func TestMergePipelineEnv(t *testing.T) {
	value := json.RawMessage(`{"env":{"EXISTING":"1"},"stages":[{"name":"a","steps":[]}]}`)
	merged, err := mergePipelineEnv(value, map[string]string{"ADDED": "2", "EXISTING": "override"})
	require.NoError(t, err)

	var doc struct {
		Env    map[string]string `json:"env"`
		Stages []map[string]any  `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(merged, &doc))
	assert.Equal(t, "override", doc.Env["EXISTING"])
	assert.Equal(t, "2", doc.Env["ADDED"])
	require.Len(t, doc.Stages, 1)

	// No env at all still yields a valid document.
	merged, err = mergePipelineEnv(nil, map[string]string{"A": "1"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(merged, &doc))
	assert.Equal(t, "1", doc.Env["A"])
}
