package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/pipeline"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiHarness struct {
	server    *Server
	router    *gin.Engine
	st        *store.Store
	bus       *events.Bus
	registry  *agents.Registry
	approvals *approval.Manager
}

// newAPIHarness wires the server over real services with the durable
// queue enabled, so triggering a build enqueues it instead of running
// it. The worker pool is never started; nothing executes.
func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(st, config.DefaultEventsConfig())
	dispatchCfg := &config.DispatchConfig{
		DistributedDispatch:     true,
		HeartbeatStaleAfter:     time.Minute,
		RequestTimeout:          2 * time.Second,
		BreakerFailureThreshold: 3,
		BreakerCooldown:         time.Minute,
	}
	registry := agents.NewRegistry(nil, dispatchCfg)
	dispatcher := dispatch.New(st, registry, nil, dispatchCfg, &config.QueueConfig{Enabled: true}, "agent-token")
	approvals := approval.NewManager(st, bus)
	pool := runner.New(st, nil, config.DefaultRunnerConfig(), "api-test-instance")

	s := NewServer(st, bus, registry, pool, dispatcher, approvals,
		&config.ServerConfig{Port: "0"},
		&config.WorkspaceConfig{ArtifactsDir: t.TempDir()},
		"api-test-instance")
	return &apiHarness{
		server:    s,
		router:    s.Router(),
		st:        st,
		bus:       bus,
		registry:  registry,
		approvals: approvals,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
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
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (h *apiHarness) createJob(t *testing.T, orgID string) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:            uuid.New().String(),
		OrgID:         orgID,
		Name:          "job-" + uuid.New().String()[:8],
		PipelineValue: []byte(`{"stages":[{"name":"build","steps":[{"name":"run","type":"shell","command":"true"}]}]}`),
	}
	require.NoError(t, h.st.CreateJob(context.Background(), job))
	return job
}

func (h *apiHarness) createBuild(t *testing.T, orgID string) *models.Build {
	t.Helper()
	build := &models.Build{
		ID:     uuid.New().String(),
		JobID:  "job-" + uuid.New().String()[:8],
		OrgID:  orgID,
		Status: models.BuildStatusQueued,
	}
	require.NoError(t, h.st.CreateBuild(context.Background(), build))
	return build
}

func TestTriggerBuildEnqueues(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t, "org-api")

	rec := h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/builds", gin.H{
		"org_id":     "org-api",
		"priority":   "high",
		"git_branch": "main",
		"parameters": map[string]string{"version": "2.0"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	buildID, _ := body["build_id"].(string)
	require.NotEmpty(t, buildID)
	assert.Equal(t, float64(1), body["build_number"])

	build, err := h.st.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, build.Status)
	assert.Equal(t, "main", build.GitBranch)

	entry, err := h.st.Dequeue(context.Background(), "drainer-api")
	require.NoError(t, err)
	assert.Equal(t, buildID, entry.BuildID)
	assert.Equal(t, models.QueuePriorityHigh, entry.Priority)
}

func TestTriggerBuildValidation(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t, "org-api")

	rec := h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/builds", gin.H{
		"priority": "high",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "org_id is required")

	rec = h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/builds", gin.H{
		"org_id":   "org-api",
		"priority": "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "priority must be high, normal or low")
}

func TestTriggerBuildUnknownJob(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/jobs/no-such-job/builds", gin.H{"org_id": "org-api"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBuild(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/builds/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	build := h.createBuild(t, "org-api")
	rec = h.do(t, http.MethodGet, "/api/builds/"+build.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	got, ok := body["build"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, build.ID, got["ID"])
}

func TestCancelBuild(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/builds/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A queued build is finalized directly.
	queued := h.createBuild(t, "org-api")
	rec = h.do(t, http.MethodPost, "/api/builds/"+queued.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := h.st.GetBuild(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusAborted, got.Status)
	assert.Equal(t, string(cierr.KindStepAborted), got.ErrorKind)

	// A build running on another instance cannot be cancelled here.
	remote := h.createBuild(t, "org-api")
	require.NoError(t, h.st.MarkBuildRunning(ctx, remote.ID, "some-other-instance"))
	rec = h.do(t, http.MethodPost, "/api/builds/"+remote.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryBuild(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	original := h.createBuild(t, "org-api")

	// Only terminal builds can be retried.
	rec := h.do(t, http.MethodPost, "/api/builds/"+original.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, h.st.FinalizeBuild(ctx, original.ID,
		models.BuildStatusFailure, string(cierr.KindStepNonzeroExit), "exit 1"))

	rec = h.do(t, http.MethodPost, "/api/builds/"+original.ID+"/retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(2), body["attempt_number"])
	assert.Equal(t, original.ID, body["root_build_id"])

	retryID, _ := body["build_id"].(string)
	require.NotEmpty(t, retryID)
	retry, err := h.st.GetBuild(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, retry.Status)
	assert.Equal(t, "retry", retry.TriggerType)
}

func TestReplayEvents(t *testing.T) {
	h := newAPIHarness(t)
	build := h.createBuild(t, "org-api")

	h.bus.Publish(context.Background(), events.Event{
		BuildID: build.ID, OrgID: build.OrgID, Kind: events.KindBuildStarted,
	})
	h.bus.Publish(context.Background(), events.Event{
		BuildID: build.ID, OrgID: build.OrgID, Kind: events.KindBuildCompleted,
	})

	rec := h.do(t, http.MethodGet, "/api/builds/"+build.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, events.KindBuildStarted, body.Events[0].Kind)
	assert.Equal(t, events.KindBuildCompleted, body.Events[1].Kind)

	rec = h.do(t, http.MethodGet, "/api/builds/"+build.ID+"/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 1)

	rec = h.do(t, http.MethodGet, "/api/builds/"+build.ID+"/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListArtifacts(t *testing.T) {
	h := newAPIHarness(t)
	build := h.createBuild(t, "org-api")
	require.NoError(t, h.st.CreateArtifact(context.Background(), &models.Artifact{
		ID:       uuid.New().String(),
		BuildID:  build.ID,
		OrgID:    build.OrgID,
		Filename: "app.tar.gz",
	}))

	rec := h.do(t, http.MethodGet, "/api/builds/"+build.ID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Artifacts, 1)
	assert.Equal(t, "app.tar.gz", body.Artifacts[0].Filename)
}

func TestListAgentsFilters(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	_, err := h.registry.Register(ctx, agents.RegisterRequest{
		Name: "linux-1", URL: "http://a1", Labels: []string{"linux"},
	})
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, agents.RegisterRequest{
		Name: "gpu-1", URL: "http://a2", Labels: []string{"linux", "gpu"},
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Agents, 2)

	rec = h.do(t, http.MethodGet, "/api/agents?labels=gpu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "gpu-1", body.Agents[0].Name)
}

func TestAgentAuthGuardsWritePaths(t *testing.T) {
	h := newAPIHarness(t)
	h.server.cfg.AgentToken = "agent-token"

	register := agents.RegisterRequest{Name: "w1", URL: "http://w1", MaxBuilds: 2}
	raw, err := json.Marshal(register)
	require.NoError(t, err)

	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/agents/register", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, post("").Code)
	assert.Equal(t, http.StatusUnauthorized, post("wrong").Code)

	rec := post("agent-token")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["agent_id"])

	// Read paths stay open to the outer middleware stack.
	rec = h.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentHeartbeat(t *testing.T) {
	h := newAPIHarness(t)
	agentID, err := h.registry.Register(context.Background(), agents.RegisterRequest{
		Name: "hb-agent", URL: "http://hb", MaxBuilds: 2,
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", agents.Heartbeat{CurrentBuilds: 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/agents/unknown/heartbeat", agents.Heartbeat{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentResultFinalizesBuild(t *testing.T) {
	h := newAPIHarness(t)
	build := h.createBuild(t, "org-api")

	rec := h.do(t, http.MethodPost, "/api/builds/"+build.ID+"/result", gin.H{
		"status": "running",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-terminal statuses are rejected")

	rec = h.do(t, http.MethodPost, "/api/builds/"+build.ID+"/result", gin.H{
		"status":     "failure",
		"error_kind": string(cierr.KindStepNonzeroExit),
		"error":      "exit 2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := h.st.GetBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, string(cierr.KindStepNonzeroExit), got.ErrorKind)
	assert.Equal(t, "exit 2", got.ErrorMessage)
}

func TestAgentEventsIngestIntoBus(t *testing.T) {
	h := newAPIHarness(t)
	build := h.createBuild(t, "org-api")

	rec := h.do(t, http.MethodPost, "/api/builds/"+build.ID+"/agent-events", events.Event{
		OrgID:     build.OrgID,
		Kind:      events.KindStepCompleted,
		StageName: "build",
		StepName:  "compile",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	replayed, err := h.bus.Replay(context.Background(), build.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, events.KindStepCompleted, replayed[0].Kind)
	assert.Equal(t, build.ID, replayed[0].BuildID)
}

func TestAgentArtifactsUpload(t *testing.T) {
	h := newAPIHarness(t)
	build := h.createBuild(t, "org-api")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("files", "report.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("all green"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/builds/"+build.ID+"/artifacts", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	artifacts, err := h.st.ListArtifacts(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "report.txt", artifacts[0].Filename)
	assert.Equal(t, int64(len("all green")), artifacts[0].SizeBytes)
	assert.NotEmpty(t, artifacts[0].SHA256)

	req = httptest.NewRequest(http.MethodPost, "/api/builds/missing/artifacts", bytes.NewReader(nil))
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/api/approvals/missing/approve", gin.H{"approver_id": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	gate, err := h.approvals.Open(ctx, "org-api", "build-gate", "deploy",
		&pipeline.Approval{RequiredApprovals: 1, TimeoutMS: 60_000})
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/api/approvals/"+gate.ID+"/approve", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approver_id is required")

	rec = h.do(t, http.MethodPost, "/api/approvals/"+gate.ID+"/approve", gin.H{"approver_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Gate models.ApprovalGate `json:"gate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.ApprovalStatusApproved, body.Gate.Status)

	// Resolution is final.
	rec = h.do(t, http.MethodPost, "/api/approvals/"+gate.ID+"/approve", gin.H{"approver_id": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rejected, err := h.approvals.Open(ctx, "org-api", "build-gate-2", "deploy",
		&pipeline.Approval{RequiredApprovals: 1, TimeoutMS: 60_000})
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/api/approvals/"+rejected.ID+"/reject", gin.H{"approver_id": "carol"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.ApprovalStatusRejected, body.Gate.Status)
}

func TestHealthProbes(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "api-test-instance", body["instance_id"])

	// Startup probe stays down until Start flips it.
	rec = h.do(t, http.MethodGet, "/startup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeJSON(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, models.QueuePriorityHigh, parsePriority("high"))
	assert.Equal(t, models.QueuePriorityLow, parsePriority("low"))
	assert.Equal(t, models.QueuePriorityNormal, parsePriority("normal"))
	assert.Equal(t, models.QueuePriorityNormal, parsePriority(""))
}
