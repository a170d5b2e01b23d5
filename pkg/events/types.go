// Package events provides the build event stream: a durable plane that
// persists every event under a total-order id, and an ephemeral plane
// that fans events out to in-memory subscribers keyed by build id.
// Late subscribers replay from the store with a cursor.
package events

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindBuildStarted     = "build-started"
	KindStageStarted     = "stage-started"
	KindStageCached      = "stage-cached"
	KindStepStarted      = "step-started"
	KindStepLog          = "step-log"
	KindStepCompleted    = "step-completed"
	KindStageCompleted   = "stage-completed"
	KindApprovalRequired = "approval-required"
	KindApprovalResolved = "approval-resolved"
	KindBuildCompleted   = "build-completed"
)

// Critical reports whether a kind is a lifecycle event that must not be
// silently dropped.
func Critical(kind string) bool {
	switch kind {
	case KindBuildStarted, KindBuildCompleted,
		KindStageCompleted, KindStepCompleted,
		KindApprovalRequired, KindApprovalResolved:
		return true
	}
	return false
}

// Event is one orchestration progress record.
type Event struct {
	EventID   string         `json:"event_id"`
	BuildID   string         `json:"build_id"`
	OrgID     string         `json:"org_id,omitempty"`
	Kind      string         `json:"kind"`
	StageName string         `json:"stage_name,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// idSeq disambiguates events created in the same millisecond.
var idSeq atomic.Uint64

// NewEventID returns a total-order key "<epoch_ms>-<seq>-<uuid>".
// Both numeric parts are zero-padded to fixed width so lexicographic
// order equals insertion order even when timestamps collide.
func NewEventID(now time.Time) string {
	return fmt.Sprintf("%013d-%010d-%s",
		now.UnixMilli(), idSeq.Add(1), uuid.New().String())
}
