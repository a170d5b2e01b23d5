// Package models defines the persistent entities of the orchestration
// core. Every entity carries an org_id partition key; all identifiers
// are opaque strings.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

// Build statuses. success, failure, and aborted are terminal and
// irrevocable.
const (
	BuildStatusQueued  BuildStatus = "queued"
	BuildStatusRunning BuildStatus = "running"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailure BuildStatus = "failure"
	BuildStatusAborted BuildStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusSuccess || s == BuildStatusFailure || s == BuildStatusAborted
}

// StageStatus is the lifecycle state of a stage or step record.
type StageStatus string

// Stage and step statuses.
const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailure StageStatus = "failure"
	StageStatusSkipped StageStatus = "skipped"
	StageStatusAborted StageStatus = "aborted"
)

// PipelineSource records where a build's pipeline definition came from.
type PipelineSource string

// Pipeline sources in resolution priority order.
const (
	PipelineSourceRepoEDN  PipelineSource = "repo-edn"
	PipelineSourceRepoYAML PipelineSource = "repo-yaml"
	PipelineSourceServer   PipelineSource = "server"
)

// Job is a named pipeline template. Immutable once referenced by a
// running build; edits create a new logical version.
type Job struct {
	ID            string         `gorm:"primaryKey;column:id"`
	OrgID         string         `gorm:"column:org_id;index;uniqueIndex:idx_jobs_org_name,priority:1"`
	Name          string         `gorm:"column:name;uniqueIndex:idx_jobs_org_name,priority:2"`
	Description   string         `gorm:"column:description"`
	PipelineValue datatypes.JSON `gorm:"column:pipeline_value"`
	ParameterDefs datatypes.JSON `gorm:"column:parameter_defs"`
	TriggerConfig datatypes.JSON `gorm:"column:trigger_config"`
	SourceConfig  datatypes.JSON `gorm:"column:source_config"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

// TableName overrides the gorm default.
func (Job) TableName() string { return "jobs" }

// Build is one execution attempt of a job.
type Build struct {
	ID             string         `gorm:"primaryKey;column:id"`
	JobID          string         `gorm:"column:job_id;index:idx_builds_org_job_started,priority:2"`
	OrgID          string         `gorm:"column:org_id;index:idx_builds_org_job_started,priority:1"`
	BuildNumber    int            `gorm:"column:build_number"`
	Status         BuildStatus    `gorm:"column:status;index"`
	TriggerType    string         `gorm:"column:trigger_type"`
	Parameters     datatypes.JSON `gorm:"column:parameters"`
	WorkspacePath  string         `gorm:"column:workspace_path"`
	AgentID        *string        `gorm:"column:agent_id"`
	InstanceID     *string        `gorm:"column:instance_id"`
	DispatchedAt   *time.Time     `gorm:"column:dispatched_at"`
	StartedAt      time.Time      `gorm:"column:started_at;index:idx_builds_org_job_started,priority:3,sort:desc"`
	FinishedAt     *time.Time     `gorm:"column:finished_at"`
	LastHeartbeat  *time.Time     `gorm:"column:last_heartbeat_at"`
	GitCommit      string         `gorm:"column:git_commit;index"`
	GitBranch      string         `gorm:"column:git_branch"`
	GitAuthor      string         `gorm:"column:git_author"`
	GitEmail       string         `gorm:"column:git_email"`
	GitMessage     string         `gorm:"column:git_message"`
	AttemptNumber  int            `gorm:"column:attempt_number"`
	RootBuildID    string         `gorm:"column:root_build_id"`
	PipelineSource PipelineSource `gorm:"column:pipeline_source"`
	ErrorKind      string         `gorm:"column:error_kind"`
	ErrorMessage   string         `gorm:"column:error_message"`
}

// TableName overrides the gorm default.
func (Build) TableName() string { return "builds" }

// BuildStage is a per-build stage record. A stage produced by matrix
// expansion carries a suffixed name "<base> [k1=v1, k2=v2]".
type BuildStage struct {
	ID             string      `gorm:"primaryKey;column:id"`
	BuildID        string      `gorm:"column:build_id;index"`
	OrgID          string      `gorm:"column:org_id"`
	Name           string      `gorm:"column:name"`
	Status         StageStatus `gorm:"column:status"`
	StartedAt      time.Time   `gorm:"column:started_at"`
	FinishedAt     *time.Time  `gorm:"column:finished_at"`
	ExitCode       *int        `gorm:"column:exit_code"`
	ErrorMessage   string      `gorm:"column:error_message"`
	ContainerImage string      `gorm:"column:container_image"`
	// FailedAncestor names the failing upstream stage for skipped records.
	FailedAncestor string `gorm:"column:failed_ancestor"`
}

// TableName overrides the gorm default.
func (BuildStage) TableName() string { return "build_stages" }

// BuildStep is a per-build step record, child of a stage.
type BuildStep struct {
	ID             string      `gorm:"primaryKey;column:id"`
	BuildID        string      `gorm:"column:build_id;index"`
	OrgID          string      `gorm:"column:org_id"`
	StageName      string      `gorm:"column:stage_name"`
	Name           string      `gorm:"column:name"`
	Status         StageStatus `gorm:"column:status"`
	StartedAt      time.Time   `gorm:"column:started_at"`
	FinishedAt     *time.Time  `gorm:"column:finished_at"`
	ExitCode       *int        `gorm:"column:exit_code"`
	ErrorMessage   string      `gorm:"column:error_message"`
	ContainerImage string      `gorm:"column:container_image"`
}

// TableName overrides the gorm default.
func (BuildStep) TableName() string { return "build_steps" }

// BuildEvent is an append-only record of orchestration progress.
// EventID is a total-order key "<epoch_ms>-<seq>-<uuid>" that recovers
// insertion order even when timestamps collide.
type BuildEvent struct {
	EventID   string         `gorm:"primaryKey;column:event_id"`
	BuildID   string         `gorm:"column:build_id;index:idx_events_build_event,priority:1"`
	OrgID     string         `gorm:"column:org_id"`
	Kind      string         `gorm:"column:kind"`
	StageName string         `gorm:"column:stage_name"`
	StepName  string         `gorm:"column:step_name"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt time.Time      `gorm:"column:created_at;index"`
}

// TableName overrides the gorm default.
func (BuildEvent) TableName() string { return "build_events" }

// QueuePriority orders queue entries; higher dequeues first.
type QueuePriority int

// Queue priorities.
const (
	QueuePriorityLow    QueuePriority = 0
	QueuePriorityNormal QueuePriority = 1
	QueuePriorityHigh   QueuePriority = 2
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

// Queue entry statuses.
const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusClaimed QueueStatus = "claimed"
	QueueStatusDone    QueueStatus = "done"
)

// QueueEntry is a durable dispatch-queue row. Dequeue is transactional
// and exactly-once.
type QueueEntry struct {
	ID         string         `gorm:"primaryKey;column:id"`
	OrgID      string         `gorm:"column:org_id"`
	JobID      string         `gorm:"column:job_id"`
	BuildID    string         `gorm:"column:build_id"`
	Priority   QueuePriority  `gorm:"column:priority;index:idx_queue_drain,priority:2,sort:desc"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	Status     QueueStatus    `gorm:"column:status;index:idx_queue_drain,priority:1"`
	EnqueuedAt time.Time      `gorm:"column:enqueued_at;index:idx_queue_drain,priority:3"`
	ClaimedAt  *time.Time     `gorm:"column:claimed_at"`
	ClaimedBy  string         `gorm:"column:claimed_by"`
}

// TableName overrides the gorm default.
func (QueueEntry) TableName() string { return "build_queue" }

// AgentStatus is the registration state of a remote agent.
type AgentStatus string

// Agent statuses. Offline is derived at read time from heartbeat age.
const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a remote worker node. A null OrgID means the agent is
// shareable across organizations.
type Agent struct {
	ID              string         `gorm:"primaryKey;column:id"`
	OrgID           *string        `gorm:"column:org_id;index"`
	Name            string         `gorm:"column:name"`
	URL             string         `gorm:"column:url"`
	Labels          datatypes.JSON `gorm:"column:labels"`
	MaxBuilds       int            `gorm:"column:max_builds"`
	CurrentBuilds   int            `gorm:"column:current_builds"`
	CPUCores        int            `gorm:"column:cpu_cores"`
	MemoryGB        int            `gorm:"column:memory_gb"`
	Region          string         `gorm:"column:region"`
	LastHeartbeatAt time.Time      `gorm:"column:last_heartbeat_at"`
	Status          AgentStatus    `gorm:"column:status"`
}

// TableName overrides the gorm default.
func (Agent) TableName() string { return "agents" }

// CacheEntry is an immutable artifact/dependency cache record.
// First write wins per (job_id, cache_key).
type CacheEntry struct {
	ID        string         `gorm:"primaryKey;column:id"`
	OrgID     string         `gorm:"column:org_id;index"`
	JobID     string         `gorm:"column:job_id;uniqueIndex:idx_cache_job_key,priority:1"`
	CacheKey  string         `gorm:"column:cache_key;uniqueIndex:idx_cache_job_key,priority:2"`
	Paths     datatypes.JSON `gorm:"column:paths"`
	SizeBytes int64          `gorm:"column:size_bytes"`
	HitCount  int            `gorm:"column:hit_count"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

// TableName overrides the gorm default.
func (CacheEntry) TableName() string { return "cache_entries" }

// StageCacheEntry caches a prior successful stage result keyed by
// fingerprint, unique per job.
type StageCacheEntry struct {
	ID          string         `gorm:"primaryKey;column:id"`
	OrgID       string         `gorm:"column:org_id"`
	JobID       string         `gorm:"column:job_id;uniqueIndex:idx_stage_cache_job_fp,priority:1"`
	Fingerprint string         `gorm:"column:fingerprint;uniqueIndex:idx_stage_cache_job_fp,priority:2"`
	StageName   string         `gorm:"column:stage_name"`
	StageResult datatypes.JSON `gorm:"column:stage_result"`
	GitCommit   string         `gorm:"column:git_commit"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

// TableName overrides the gorm default.
func (StageCacheEntry) TableName() string { return "stage_cache" }

// ApprovalStatus is the lifecycle state of an approval gate.
type ApprovalStatus string

// Approval gate statuses.
const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusTimedOut ApprovalStatus = "timed-out"
)

// Terminal reports whether the gate admits no further transitions.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalStatusPending }

// ApprovalGate is a suspended stage awaiting human approval.
type ApprovalGate struct {
	ID                string         `gorm:"primaryKey;column:id"`
	BuildID           string         `gorm:"column:build_id;index:idx_approvals_build_status,priority:1"`
	OrgID             string         `gorm:"column:org_id"`
	StageName         string         `gorm:"column:stage_name"`
	RequiredApprovals int            `gorm:"column:required_approvals"`
	ApprovalCount     int            `gorm:"column:approval_count"`
	ApproverIDs       datatypes.JSON `gorm:"column:approver_ids"`
	Status            ApprovalStatus `gorm:"column:status;index:idx_approvals_build_status,priority:2"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	TimeoutAt         time.Time      `gorm:"column:timeout_at"`
}

// TableName overrides the gorm default.
func (ApprovalGate) TableName() string { return "build_approvals" }

// Artifact is a collected build output file. Delta artifacts store
// block-level differences against a previous build's file.
type Artifact struct {
	ID                string  `gorm:"primaryKey;column:id"`
	BuildID           string  `gorm:"column:build_id;index"`
	OrgID             string  `gorm:"column:org_id"`
	Filename          string  `gorm:"column:filename"`
	Path              string  `gorm:"column:path"`
	SizeBytes         int64   `gorm:"column:size_bytes"`
	ContentType       string  `gorm:"column:content_type"`
	SHA256            string  `gorm:"column:sha256;index"`
	DeltaBaseID       *string `gorm:"column:delta_base_id"`
	IsDelta           bool    `gorm:"column:is_delta"`
	OriginalSizeBytes *int64  `gorm:"column:original_size_bytes"`
	CreatedAt         time.Time
}

// TableName overrides the gorm default.
func (Artifact) TableName() string { return "build_artifacts" }

// Secret is an encrypted org-scoped secret. The ciphertext is
// AES-256-GCM under the process-wide master key.
type Secret struct {
	ID            string    `gorm:"primaryKey;column:id"`
	OrgID         string    `gorm:"column:org_id;uniqueIndex:idx_secrets_scope,priority:1"`
	Scope         string    `gorm:"column:scope;uniqueIndex:idx_secrets_scope,priority:2"`
	Name          string    `gorm:"column:name;uniqueIndex:idx_secrets_scope,priority:3"`
	CiphertextB64 string    `gorm:"column:ciphertext_b64"`
	IVB64         string    `gorm:"column:iv_b64"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the gorm default.
func (Secret) TableName() string { return "secrets" }

// SecretAccess is an append-only access log row for secret retrieval.
type SecretAccess struct {
	ID         string    `gorm:"primaryKey;column:id"`
	OrgID      string    `gorm:"column:org_id"`
	SecretName string    `gorm:"column:secret_name"`
	BuildID    string    `gorm:"column:build_id"`
	AccessedAt time.Time `gorm:"column:accessed_at"`
}

// TableName overrides the gorm default.
func (SecretAccess) TableName() string { return "secret_access_log" }

// LeaderLock backs leader election on engines without advisory locks.
type LeaderLock struct {
	Name       string    `gorm:"primaryKey;column:name"`
	HolderID   string    `gorm:"column:holder_id"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at"`
}

// TableName overrides the gorm default.
func (LeaderLock) TableName() string { return "leader_locks" }
