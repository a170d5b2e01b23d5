package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineCollector gathers onLine callbacks from both pump goroutines.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string, _ bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	var r Runner
	collector := &lineCollector{}
	result, err := r.Run(context.Background(), Spec{
		Command: "echo first; echo second; echo oops >&2",
	}, collector.add)
	require.NoError(t, err)

	assert.Zero(t, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.False(t, result.Interrupted)
	assert.Equal(t, "first\nsecond\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.ElementsMatch(t, []string{"first", "second", "oops"}, collector.all())
}

func TestRunNonzeroExit(t *testing.T) {
	var r Runner
	result, err := r.Run(context.Background(), Spec{Command: "exit 4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ExitCode)
	assert.False(t, result.TimedOut)
}

func TestRunEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	var r Runner
	result, err := r.Run(context.Background(), Spec{
		Command: "echo $GREETING; pwd",
		Dir:     dir,
		Env:     map[string]string{"GREETING": "hello"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello\n")
	assert.Contains(t, result.Stdout, filepath.Base(dir))
}

func TestRunSignalTerminationExitCode(t *testing.T) {
	var r Runner
	result, err := r.Run(context.Background(), Spec{Command: "kill -KILL $$"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 128+9, result.ExitCode)
}

func TestRunTimeoutTerminatesProcessGroup(t *testing.T) {
	var r Runner
	start := time.Now()
	result, err := r.Run(context.Background(), Spec{
		Command: "sleep 30",
		Timeout: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Interrupted)
	assert.Equal(t, 128+15, result.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunContextCancelKills(t *testing.T) {
	var r Runner
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	result, err := r.Run(ctx, Spec{Command: "sleep 30"}, nil)
	require.NoError(t, err)

	assert.True(t, result.Interrupted)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 128+9, result.ExitCode)
}

func TestRunChunksLongLinesAtByteCap(t *testing.T) {
	// One line well past the cap, followed by a marker proving the
	// stream is drained to the end rather than abandoned mid-pipe.
	lineLen := maxLineBytes*3 + 100
	script := fmt.Sprintf("head -c %d /dev/zero | tr '\\0' 'x'; echo; echo END", lineLen)

	var r Runner
	collector := &lineCollector{}
	result, err := r.Run(context.Background(), Spec{
		Command: script,
		Timeout: 30 * time.Second,
	}, collector.add)
	require.NoError(t, err)

	assert.Zero(t, result.ExitCode)
	assert.False(t, result.TimedOut, "a sub-second command must not hit the step timeout")
	assert.Equal(t, lineLen, strings.Count(result.Stdout, "x"), "no output bytes may be lost")
	assert.Contains(t, result.Stdout, "END\n")

	lines := collector.all()
	require.NotEmpty(t, lines)
	chunks := 0
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), maxLineBytes)
		if strings.HasPrefix(line, "x") {
			chunks++
		}
	}
	assert.GreaterOrEqual(t, chunks, 4, "the long line arrives as capped chunks")
	assert.Equal(t, "END", lines[len(lines)-1])
}

func TestRunMissingWorkingDirectory(t *testing.T) {
	var r Runner
	_, err := r.Run(context.Background(), Spec{
		Command: "true",
		Dir:     filepath.Join(t.TempDir(), "does-not-exist"),
	}, nil)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err) || strings.Contains(err.Error(), "no such file"))
}
