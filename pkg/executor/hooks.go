package executor

import (
	"context"

	"github.com/conveyorci/conveyor/pkg/models"
)

// SourceConfig describes where a job's source lives. Stored on the job
// record; interpreted by the checkout hook.
type SourceConfig struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Depth  int    `json:"depth,omitempty"`
}

// CheckoutInfo is the commit metadata a successful checkout yields.
type CheckoutInfo struct {
	Commit  string
	Branch  string
	Author  string
	Email   string
	Message string
}

// CheckoutFunc materializes the source into the workspace. Supplied by
// the host; the core only consumes the resulting commit metadata.
type CheckoutFunc func(ctx context.Context, src SourceConfig, workspaceDir, commitOverride string) (*CheckoutInfo, error)

// PolicyFunc evaluates whether a stage may run. A nil error allows; a
// non-nil error denies with its message as the reason.
type PolicyFunc func(ctx context.Context, build *models.Build, stageName string) error

// NotifyFunc delivers a build result to one notification sink. Failures
// are logged and never change the build status.
type NotifyFunc func(ctx context.Context, build *models.Build, config map[string]string) error

// SCMStatusFunc reports the build outcome back to the source host.
type SCMStatusFunc func(ctx context.Context, build *models.Build) error

// Hooks bundles the host-supplied callbacks. Any field may be nil, in
// which case the corresponding phase is skipped.
type Hooks struct {
	Checkout        CheckoutFunc
	EvaluatePolicy  PolicyFunc
	ReportSCMStatus SCMStatusFunc

	// Notifiers maps a notify config type tag to its sink.
	Notifiers map[string]NotifyFunc
}
