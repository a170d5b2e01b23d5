// Package approval suspends stages behind human approval gates and
// resolves them through the API or the timeout scanner.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/pipeline"
)

// DefaultPollInterval paces gate-status polling while a build waits.
const DefaultPollInterval = 2 * time.Second

// Store is the persistence the gate manager needs.
type Store interface {
	CreateApprovalGate(ctx context.Context, gate *models.ApprovalGate) error
	GetApprovalGate(ctx context.Context, gateID string) (*models.ApprovalGate, error)
	ApproveGate(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error)
	RejectGate(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error)
	ExpireOverdueGates(ctx context.Context, now time.Time) ([]models.ApprovalGate, error)
}

// Manager creates gates, waits on their resolution, and runs the
// timeout scanner.
type Manager struct {
	store        Store
	bus          *events.Bus
	pollInterval time.Duration
}

// NewManager creates a gate manager.
func NewManager(store Store, bus *events.Bus) *Manager {
	return &Manager{store: store, bus: bus, pollInterval: DefaultPollInterval}
}

// Open creates a pending gate for a stage and announces it. The build
// suspends until Wait returns.
func (m *Manager) Open(ctx context.Context, orgID, buildID, stageName string, spec *pipeline.Approval) (*models.ApprovalGate, error) {
	required := spec.RequiredApprovals
	if required < 1 {
		required = 1
	}
	gate := &models.ApprovalGate{
		ID:                uuid.New().String(),
		BuildID:           buildID,
		OrgID:             orgID,
		StageName:         stageName,
		RequiredApprovals: required,
		CreatedAt:         time.Now().UTC(),
	}
	gate.TimeoutAt = gate.CreatedAt.Add(time.Duration(spec.TimeoutMS) * time.Millisecond)

	if err := m.store.CreateApprovalGate(ctx, gate); err != nil {
		return nil, err
	}
	m.bus.Publish(ctx, events.Event{
		BuildID:   buildID,
		OrgID:     orgID,
		Kind:      events.KindApprovalRequired,
		StageName: stageName,
		Payload: map[string]any{
			"gate_id":            gate.ID,
			"required_approvals": gate.RequiredApprovals,
			"timeout_at":         gate.TimeoutAt,
			"approvers":          spec.Approvers,
		},
	})
	slog.Info("Approval gate opened",
		"build_id", buildID, "stage", stageName, "gate_id", gate.ID,
		"required_approvals", gate.RequiredApprovals)
	return gate, nil
}

// Wait blocks until the gate resolves. Approved returns nil; rejection
// and timeout return their taxonomy kinds. Build cancellation surfaces
// as the context error.
func (m *Manager) Wait(ctx context.Context, gateID string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		gate, err := m.store.GetApprovalGate(ctx, gateID)
		if err != nil {
			return err
		}
		switch gate.Status {
		case models.ApprovalStatusApproved:
			return nil
		case models.ApprovalStatusRejected:
			return cierr.New(cierr.KindApprovalRejected,
				"stage %q rejected by approver", gate.StageName)
		case models.ApprovalStatusTimedOut:
			return cierr.New(cierr.KindApprovalTimeout,
				"stage %q approval timed out after waiting until %s",
				gate.StageName, gate.TimeoutAt.Format(time.RFC3339))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Approve records one approval and announces the resolution when the
// gate reaches its threshold.
func (m *Manager) Approve(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error) {
	gate, err := m.store.ApproveGate(ctx, gateID, approverID)
	if err != nil {
		return nil, err
	}
	if gate.Status == models.ApprovalStatusApproved {
		m.publishResolved(ctx, gate, approverID)
	}
	return gate, nil
}

// Reject resolves a pending gate as rejected.
func (m *Manager) Reject(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error) {
	gate, err := m.store.RejectGate(ctx, gateID, approverID)
	if err != nil {
		return nil, err
	}
	m.publishResolved(ctx, gate, approverID)
	return gate, nil
}

// RunScanner expires overdue gates on the given interval until ctx is
// cancelled. Only the leader runs it.
func (m *Manager) RunScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Approval timeout scanner started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Approval timeout scanner stopped")
			return
		case <-ticker.C:
			expired, err := m.store.ExpireOverdueGates(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("Approval timeout scan failed", "error", err)
				continue
			}
			for i := range expired {
				slog.Warn("Approval gate timed out",
					"build_id", expired[i].BuildID, "stage", expired[i].StageName,
					"gate_id", expired[i].ID)
				m.publishResolved(ctx, &expired[i], "")
			}
		}
	}
}

func (m *Manager) publishResolved(ctx context.Context, gate *models.ApprovalGate, resolvedBy string) {
	m.bus.Publish(ctx, events.Event{
		BuildID:   gate.BuildID,
		OrgID:     gate.OrgID,
		Kind:      events.KindApprovalResolved,
		StageName: gate.StageName,
		Payload: map[string]any{
			"gate_id":        gate.ID,
			"status":         string(gate.Status),
			"approval_count": gate.ApprovalCount,
			"resolved_by":    resolvedBy,
		},
	})
}
