// Package dispatch routes triggered builds to the local worker pool or
// to a remote agent. Remote calls go through a per-agent circuit
// breaker; when queueing is enabled, builds pass through the durable
// queue and the leader's drainer invokes dispatch per claimed entry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"gorm.io/datatypes"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/store"
)

// Request describes one build to route.
type Request struct {
	Build         *models.Build
	Priority      models.QueuePriority
	Labels        []string
	MinCPUCores   int
	MinMemoryGB   int
	Region        string
	PipelineValue json.RawMessage
	Parameters    map[string]string

	// fromQueue marks a request re-entering dispatch from the drainer,
	// which must not enqueue it again.
	fromQueue bool
}

// agentDispatch is the body POSTed to an agent's /builds endpoint.
type agentDispatch struct {
	BuildID       string            `json:"build_id"`
	JobID         string            `json:"job_id"`
	OrgID         string            `json:"org_id"`
	PipelineValue json.RawMessage   `json:"pipeline_value,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// Dispatcher routes builds per the distributed-dispatch policy.
type Dispatcher struct {
	store    *store.Store
	registry *agents.Registry
	pool     *runner.Runner
	cfg      *config.DispatchConfig
	queueCfg *config.QueueConfig
	client   *http.Client
	token    string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a dispatcher. token is the shared bearer token presented
// to agents.
func New(st *store.Store, registry *agents.Registry, pool *runner.Runner,
	cfg *config.DispatchConfig, queueCfg *config.QueueConfig, token string) *Dispatcher {
	if cfg == nil {
		cfg = config.LoadDispatchConfig()
	}
	if queueCfg == nil {
		queueCfg = config.DefaultQueueConfig()
	}
	return &Dispatcher{
		store:    st,
		registry: registry,
		pool:     pool,
		cfg:      cfg,
		queueCfg: queueCfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		token:    token,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch routes one build. Queue-enabled requests are enqueued and
// return immediately; otherwise an agent is selected and called, with
// local fallback per configuration.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) error {
	if !d.cfg.DistributedDispatch {
		return d.runLocal(req.Build)
	}

	if d.queueCfg.Enabled && !req.fromQueue {
		return d.enqueue(ctx, req)
	}

	agent, ok := d.selectAgent(req)
	if !ok {
		return d.fallback(ctx, req, cierr.New(cierr.KindNoAgentAvailable,
			"no agent matches labels %v with free capacity", req.Labels))
	}

	if err := d.callAgent(ctx, &agent, req); err != nil {
		slog.Warn("Agent dispatch failed",
			"build_id", req.Build.ID, "agent_id", agent.ID, "error", err)
		return d.fallback(ctx, req, err)
	}

	now := time.Now().UTC()
	req.Build.AgentID = &agent.ID
	req.Build.DispatchedAt = &now
	if err := d.store.UpdateBuild(ctx, req.Build); err != nil {
		return err
	}
	d.registry.AdjustLoad(ctx, agent.ID, +1)
	slog.Info("Build dispatched to agent",
		"build_id", req.Build.ID, "agent_id", agent.ID, "agent_url", agent.URL)
	return nil
}

// DispatchFromQueue re-enters dispatch for a claimed queue entry. The
// entry's payload restores the routing requirements; the build record
// is reloaded so a cancellation between enqueue and drain is honored.
func (d *Dispatcher) DispatchFromQueue(ctx context.Context, entry *models.QueueEntry) error {
	build, err := d.store.GetBuild(ctx, entry.BuildID)
	if err != nil {
		return cierr.Wrap(cierr.KindDispatchFailed, err, "loading queued build %s", entry.BuildID)
	}
	if build.Status.Terminal() {
		slog.Info("Skipping dispatch of terminal build",
			"build_id", build.ID, "status", build.Status)
		return nil
	}

	req := &Request{Build: build, Priority: entry.Priority, fromQueue: true}
	if len(entry.Payload) > 0 {
		var payload struct {
			Labels      []string          `json:"labels"`
			MinCPUCores int               `json:"min_cpu_cores"`
			MinMemoryGB int               `json:"min_memory_gb"`
			Region      string            `json:"region"`
			Parameters  map[string]string `json:"parameters"`
		}
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			req.Labels = payload.Labels
			req.MinCPUCores = payload.MinCPUCores
			req.MinMemoryGB = payload.MinMemoryGB
			req.Region = payload.Region
			req.Parameters = payload.Parameters
		}
	}
	return d.Dispatch(ctx, req)
}

// enqueue persists the request as a pending queue entry for the
// drainer.
func (d *Dispatcher) enqueue(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(map[string]any{
		"labels":        req.Labels,
		"min_cpu_cores": req.MinCPUCores,
		"min_memory_gb": req.MinMemoryGB,
		"region":        req.Region,
		"parameters":    req.Parameters,
	})
	if err != nil {
		return err
	}
	entry := &models.QueueEntry{
		ID:       uuid.New().String(),
		OrgID:    req.Build.OrgID,
		JobID:    req.Build.JobID,
		BuildID:  req.Build.ID,
		Priority: req.Priority,
		Payload:  datatypes.JSON(payload),
	}
	if err := d.store.Enqueue(ctx, entry); err != nil {
		return cierr.Wrap(cierr.KindDispatchFailed, err, "enqueueing build %s", req.Build.ID)
	}
	slog.Info("Build enqueued",
		"build_id", req.Build.ID, "priority", req.Priority, "entry_id", entry.ID)
	return nil
}

// selectAgent filters and scores candidates, returning the best.
func (d *Dispatcher) selectAgent(req *Request) (models.Agent, bool) {
	candidates := d.registry.List(agents.Filter{Labels: req.Labels, OrgID: req.Build.OrgID})

	type scored struct {
		agent models.Agent
		score float64
	}
	var viable []scored
	for _, agent := range candidates {
		if agent.Status != models.AgentStatusOnline {
			continue
		}
		if agent.CurrentBuilds >= agent.MaxBuilds {
			continue
		}
		if req.MinCPUCores > 0 && agent.CPUCores < req.MinCPUCores {
			continue
		}
		if req.MinMemoryGB > 0 && agent.MemoryGB < req.MinMemoryGB {
			continue
		}
		if d.breakerFor(agent.ID).State() == gobreaker.StateOpen {
			continue
		}
		viable = append(viable, scored{agent: agent, score: d.score(&agent, req)})
	}
	if len(viable) == 0 {
		return models.Agent{}, false
	}
	sort.Slice(viable, func(i, j int) bool { return viable[i].score > viable[j].score })
	return viable[0].agent, true
}

// score ranks an agent: load headroom dominates, resources refine, a
// matching region earns a locality bonus.
func (d *Dispatcher) score(agent *models.Agent, req *Request) float64 {
	load := 0.0
	if agent.MaxBuilds > 0 {
		load = float64(agent.CurrentBuilds) / float64(agent.MaxBuilds)
	}
	cpu := resourceScore(agent.CPUCores, req.MinCPUCores)
	mem := resourceScore(agent.MemoryGB, req.MinMemoryGB)

	score := (1-load)*0.6 + cpu*0.2 + mem*0.2
	if req.Region != "" && agent.Region == req.Region {
		score += 0.1
	}
	return score
}

// resourceScore rates available capacity against the requirement,
// saturating at 1.
func resourceScore(have, want int) float64 {
	if have <= 0 {
		return 0
	}
	if want <= 0 {
		return 1
	}
	s := float64(have) / float64(want*2)
	if s > 1 {
		return 1
	}
	return s
}

// callAgent POSTs the dispatch through the agent's circuit breaker.
// Anything but 202 is a dispatch failure and counts against the
// breaker; an open breaker short-circuits without touching the network.
func (d *Dispatcher) callAgent(ctx context.Context, agent *models.Agent, req *Request) error {
	body, err := json.Marshal(agentDispatch{
		BuildID:       req.Build.ID,
		JobID:         req.Build.JobID,
		OrgID:         req.Build.OrgID,
		PipelineValue: req.PipelineValue,
		Parameters:    req.Parameters,
	})
	if err != nil {
		return err
	}

	_, err = d.breakerFor(agent.ID).Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			agent.URL+"/builds", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+d.token)

		resp, err := d.client.Do(httpReq)
		if err != nil {
			return nil, cierr.Wrap(cierr.KindDispatchFailed, err, "calling agent %s", agent.ID)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return nil, cierr.New(cierr.KindDispatchFailed,
				"agent %s returned %d", agent.ID, resp.StatusCode)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return cierr.Wrap(cierr.KindBreakerOpen, err, "agent %s breaker is open", agent.ID)
	}
	return err
}

// fallback runs the build locally when allowed, else fails it.
func (d *Dispatcher) fallback(ctx context.Context, req *Request, cause error) error {
	if d.cfg.FallbackLocal {
		slog.Info("Falling back to local execution",
			"build_id", req.Build.ID, "cause", cause)
		return d.runLocal(req.Build)
	}

	kind := cierr.KindOf(cause)
	if kind == "" {
		kind = cierr.KindNoAgentAvailable
	}
	if err := d.store.FinalizeBuild(ctx, req.Build.ID, models.BuildStatusFailure,
		string(kind), cause.Error()); err != nil {
		return err
	}
	slog.Warn("Build failed with no execution target",
		"build_id", req.Build.ID, "error_kind", kind)
	return cause
}

func (d *Dispatcher) runLocal(build *models.Build) error {
	if err := d.pool.Submit(build); err != nil {
		return cierr.Wrap(cierr.KindDispatchFailed, err, "submitting build %s locally", build.ID)
	}
	return nil
}

// breakerFor returns (creating on first use) the agent's breaker.
func (d *Dispatcher) breakerFor(agentID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[agentID]; ok {
		return cb
	}
	threshold := uint32(d.cfg.BreakerFailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-" + agentID,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Agent breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[agentID] = cb
	return cb
}
