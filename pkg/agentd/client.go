// Package agentd is the agent worker process: a small HTTP server that
// accepts dispatched builds, a pool that runs them through the shared
// executor, and a client that reports registration, heartbeats, events,
// results, and artifacts back to the master.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/models"
)

// criticalSendTimeout bounds the retry window for one critical event.
// Later events queue up behind it in the subscription buffer, which is
// what tolerates a transiently unreachable master.
const criticalSendTimeout = 2 * time.Minute

// Client is the agent's outbound connection to the master.
type Client struct {
	cfg  *config.AgentConfig
	http *http.Client

	agentID string
}

// NewClient creates a master client from agent configuration.
func NewClient(cfg *config.AgentConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// AgentID returns the id assigned at registration.
func (c *Client) AgentID() string { return c.agentID }

// Register announces this agent to the master, retrying until it
// succeeds or ctx is cancelled. The assigned id is kept for heartbeats.
func (c *Client) Register(ctx context.Context) error {
	req := agents.RegisterRequest{
		Name:      c.cfg.Name,
		URL:       c.cfg.AdvertiseURL,
		Labels:    c.cfg.Labels,
		MaxBuilds: c.cfg.MaxBuilds,
		CPUCores:  runtime.NumCPU(),
		MemoryGB:  detectMemoryGB(),
		Region:    c.cfg.Region,
	}
	if c.cfg.OrgID != "" {
		org := c.cfg.OrgID
		req.OrgID = &org
	}

	op := func() error {
		var resp struct {
			AgentID string `json:"agent_id"`
		}
		if err := c.postJSON(ctx, "/api/agents/register", req, &resp); err != nil {
			slog.Warn("Agent registration attempt failed", "master_url", c.cfg.MasterURL, "error", err)
			return err
		}
		c.agentID = resp.AgentID
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return err
	}
	slog.Info("Agent registered", "agent_id", c.agentID, "name", c.cfg.Name)
	return nil
}

// RunHeartbeats reports load and telemetry until ctx is cancelled.
// activeFn returns the current build count.
func (c *Client) RunHeartbeats(ctx context.Context, activeFn func() int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := agents.Heartbeat{
				CurrentBuilds: activeFn(),
				CPUCores:      runtime.NumCPU(),
				MemoryGB:      detectMemoryGB(),
			}
			path := "/api/agents/" + c.agentID + "/heartbeat"
			if err := c.postJSON(ctx, path, hb, nil); err != nil {
				slog.Warn("Heartbeat failed", "agent_id", c.agentID, "error", err)
			}
		}
	}
}

// SendEvent forwards one build event to the master. Critical lifecycle
// events retry with exponential backoff; others are sent once and
// dropped on failure.
func (c *Client) SendEvent(ctx context.Context, event events.Event) {
	path := "/api/builds/" + event.BuildID + "/agent-events"
	if !events.Critical(event.Kind) {
		if err := c.postJSON(ctx, path, event, nil); err != nil {
			slog.Debug("Dropped non-critical event",
				"build_id", event.BuildID, "kind", event.Kind, "error", err)
		}
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = criticalSendTimeout
	err := backoff.Retry(func() error {
		return c.postJSON(ctx, path, event, nil)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		slog.Error("Failed to deliver critical event",
			"build_id", event.BuildID, "kind", event.Kind, "error", err)
	}
}

// SendResult reports the build's terminal outcome, retrying with
// backoff since the master must not miss it.
func (c *Client) SendResult(ctx context.Context, build *models.Build) error {
	body := map[string]any{
		"status":     string(build.Status),
		"error_kind": build.ErrorKind,
		"error":      build.ErrorMessage,
	}
	path := "/api/builds/" + build.ID + "/result"
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = criticalSendTimeout
	return backoff.Retry(func() error {
		return c.postJSON(ctx, path, body, nil)
	}, backoff.WithContext(policy, ctx))
}

// UploadArtifacts streams the named files to the master as one
// multipart request.
func (c *Client) UploadArtifacts(ctx context.Context, buildID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := strings.TrimSuffix(c.cfg.MasterURL, "/") + "/api/builds/" + buildID + "/artifacts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact upload returned %d", resp.StatusCode)
	}
	return nil
}

// postJSON POSTs body to the master path and optionally decodes the
// response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(c.cfg.MasterURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("master returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// detectMemoryGB reads total system memory from /proc/meminfo, rounding
// down to whole gigabytes. Returns 0 where the file is unavailable.
func detectMemoryGB() int {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int(kb / (1024 * 1024))
	}
	return 0
}
