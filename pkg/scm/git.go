// Package scm implements the git checkout hook on top of the process
// runner. It clones the job's source into the workspace and reads the
// resulting commit metadata.
package scm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/pkg/exec"
	"github.com/conveyorci/conveyor/pkg/executor"
)

// checkoutTimeout bounds the whole clone-and-checkout sequence.
const checkoutTimeout = 10 * time.Minute

// Checkout clones src into workspaceDir and checks out commitOverride
// when given, the configured branch otherwise. Satisfies
// executor.CheckoutFunc.
func Checkout(ctx context.Context, src executor.SourceConfig, workspaceDir, commitOverride string) (*executor.CheckoutInfo, error) {
	runner := &exec.Runner{}

	clone := "git clone"
	if src.Depth > 0 && commitOverride == "" {
		clone += " --depth " + strconv.Itoa(src.Depth)
	}
	if src.Branch != "" {
		clone += " --branch " + shellQuote(src.Branch)
	}
	clone += " " + shellQuote(src.URL) + " ."
	if err := run(ctx, runner, workspaceDir, clone); err != nil {
		return nil, err
	}

	if commitOverride != "" {
		if err := run(ctx, runner, workspaceDir, "git checkout --detach "+shellQuote(commitOverride)); err != nil {
			return nil, err
		}
	}

	return readHead(ctx, runner, workspaceDir)
}

// readHead extracts commit metadata for the checked-out HEAD.
func readHead(ctx context.Context, runner *exec.Runner, dir string) (*executor.CheckoutInfo, error) {
	const format = "%H%x1f%an%x1f%ae%x1f%s"
	result, err := runner.Run(ctx, exec.Spec{
		Command: "git log -1 --pretty=format:'" + format + "'",
		Dir:     dir,
		Timeout: time.Minute,
	}, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("git log failed: %s", strings.TrimSpace(result.Stderr))
	}
	fields := strings.Split(strings.TrimSpace(result.Stdout), "\x1f")
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected git log output %q", result.Stdout)
	}

	branch := ""
	if branchResult, err := runner.Run(ctx, exec.Spec{
		Command: "git rev-parse --abbrev-ref HEAD",
		Dir:     dir,
		Timeout: time.Minute,
	}, nil); err == nil && branchResult.ExitCode == 0 {
		branch = strings.TrimSpace(branchResult.Stdout)
		if branch == "HEAD" {
			branch = "" // detached
		}
	}

	return &executor.CheckoutInfo{
		Commit:  fields[0],
		Branch:  branch,
		Author:  fields[1],
		Email:   fields[2],
		Message: fields[3],
	}, nil
}

func run(ctx context.Context, runner *exec.Runner, dir, command string) error {
	result, err := runner.Run(ctx, exec.Spec{
		Command: command,
		Dir:     dir,
		Timeout: checkoutTimeout,
	}, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%q exited %d: %s", command, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// shellQuote single-quotes an argument for sh -c interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
