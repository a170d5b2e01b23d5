package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/models"
)

// CreateApprovalGate persists a pending gate record.
func (s *Store) CreateApprovalGate(ctx context.Context, gate *models.ApprovalGate) error {
	if gate.CreatedAt.IsZero() {
		gate.CreatedAt = time.Now().UTC()
	}
	gate.Status = models.ApprovalStatusPending
	return s.db.WithContext(ctx).Create(gate).Error
}

// GetApprovalGate fetches one gate by id.
func (s *Store) GetApprovalGate(ctx context.Context, gateID string) (*models.ApprovalGate, error) {
	var gate models.ApprovalGate
	err := s.db.WithContext(ctx).Where("id = ?", gateID).First(&gate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &gate, err
}

// ApproveGate atomically records one approval. Duplicate approvers are
// rejected; the gate transitions to approved once the count reaches the
// requirement. Returns the updated gate.
func (s *Store) ApproveGate(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error) {
	var updated *models.ApprovalGate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gate models.ApprovalGate
		if err := tx.Where("id = ?", gateID).First(&gate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if gate.Status != models.ApprovalStatusPending {
			return cierr.New(cierr.KindStoreConflict, "gate %s already %s", gateID, gate.Status)
		}

		var approvers []string
		if len(gate.ApproverIDs) > 0 {
			if err := json.Unmarshal(gate.ApproverIDs, &approvers); err != nil {
				return err
			}
		}
		for _, a := range approvers {
			if a == approverID {
				return cierr.New(cierr.KindStoreConflict, "approver %s already approved gate %s", approverID, gateID)
			}
		}
		approvers = append(approvers, approverID)
		raw, err := json.Marshal(approvers)
		if err != nil {
			return err
		}

		gate.ApproverIDs = raw
		gate.ApprovalCount++
		if gate.ApprovalCount >= gate.RequiredApprovals {
			gate.Status = models.ApprovalStatusApproved
		}
		if err := tx.Save(&gate).Error; err != nil {
			return err
		}
		updated = &gate
		return nil
	})
	return updated, err
}

// RejectGate transitions a pending gate to rejected.
func (s *Store) RejectGate(ctx context.Context, gateID, approverID string) (*models.ApprovalGate, error) {
	var updated *models.ApprovalGate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gate models.ApprovalGate
		if err := tx.Where("id = ?", gateID).First(&gate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if gate.Status != models.ApprovalStatusPending {
			return cierr.New(cierr.KindStoreConflict, "gate %s already %s", gateID, gate.Status)
		}
		gate.Status = models.ApprovalStatusRejected
		if err := tx.Save(&gate).Error; err != nil {
			return err
		}
		updated = &gate
		return nil
	})
	return updated, err
}

// ExpireOverdueGates moves pending gates past their timeout to
// timed-out and returns them. Run by the background scanner.
func (s *Store) ExpireOverdueGates(ctx context.Context, now time.Time) ([]models.ApprovalGate, error) {
	var expired []models.ApprovalGate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND timeout_at <= ?", models.ApprovalStatusPending, now).
			Find(&expired).Error; err != nil {
			return err
		}
		for i := range expired {
			expired[i].Status = models.ApprovalStatusTimedOut
			if err := tx.Model(&models.ApprovalGate{}).
				Where("id = ? AND status = ?", expired[i].ID, models.ApprovalStatusPending).
				Update("status", models.ApprovalStatusTimedOut).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}
