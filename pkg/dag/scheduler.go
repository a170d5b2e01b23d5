package dag

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// StageFunc executes one stage, returning its terminal error (nil means
// success). The context is cancelled when the build is cancelled.
type StageFunc func(ctx context.Context, name string) error

// SkipFunc records a stage that will never launch, with the name of the
// failing ancestor ("" when skipped due to cancellation).
type SkipFunc func(name, failedAncestor string)

// RunResult summarizes a scheduled run.
type RunResult struct {
	Failed  map[string]error // stage → terminal error
	Skipped map[string]string // stage → failing ancestor ("" if cancelled)
}

// Failed reports whether any stage failed.
func (r *RunResult) HasFailure() bool { return len(r.Failed) > 0 }

// Run schedules the graph: it repeatedly computes the ready set,
// launches ready stages under the concurrency bound, and awaits any
// completion. A stage failure transitively cancels every descendant;
// those are never launched and are reported through onSkip. When ctx is
// cancelled, not-yet-started stages are skipped and running stages
// observe cancellation through their own context.
func (g *Graph) Run(ctx context.Context, maxConcurrency int, run StageFunc, onSkip SkipFunc) *RunResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	sem := semaphore.NewWeighted(int64(maxConcurrency))

	type completion struct {
		name string
		err  error
	}
	done := make(chan completion, len(g.nodes))

	completed := make(map[string]bool, len(g.nodes))
	excluded := make(map[string]bool, len(g.nodes))
	result := &RunResult{
		Failed:  make(map[string]error),
		Skipped: make(map[string]string),
	}
	// failedAncestor maps an excluded stage to the failure that caused
	// its exclusion.
	failedAncestor := make(map[string]string)

	var wg sync.WaitGroup
	running := 0
	finished := 0
	total := len(g.nodes)

	skipRemaining := func(ancestorOf map[string]string) {
		for _, name := range g.order {
			if completed[name] || excluded[name] {
				continue
			}
			excluded[name] = true
			finished++
			ancestor := ancestorOf[name]
			result.Skipped[name] = ancestor
			if onSkip != nil {
				onSkip(name, ancestor)
			}
		}
	}

	for finished < total {
		// Cancellation check before launching anything further.
		if ctx.Err() != nil && running == 0 {
			skipRemaining(failedAncestor)
			break
		}

		if ctx.Err() == nil {
			for _, name := range g.Ready(completed, excluded) {
				if !sem.TryAcquire(1) {
					break
				}
				excluded[name] = true // in-flight; not ready again
				running++
				wg.Add(1)
				go func(stageName string) {
					defer wg.Done()
					defer sem.Release(1)
					done <- completion{name: stageName, err: run(ctx, stageName)}
				}(name)
			}
		}

		if running == 0 {
			// Nothing runnable and nothing in flight: the remainder is
			// unreachable (all blocked behind failures) or cancelled.
			skipRemaining(failedAncestor)
			break
		}

		c := <-done
		running--
		finished++
		if c.err != nil {
			result.Failed[c.name] = c.err
			for _, descendant := range g.Descendants(c.name) {
				if _, already := failedAncestor[descendant]; !already {
					failedAncestor[descendant] = c.name
				}
			}
		} else {
			completed[c.name] = true
		}
	}

	wg.Wait()
	return result
}
