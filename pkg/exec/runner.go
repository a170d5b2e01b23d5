// Package exec runs child processes with line-streamed output, per-step
// timeouts, and cooperative interruption.
package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxLineBytes caps a single streamed line; longer lines are chunked.
const maxLineBytes = 64 * 1024

// killGrace is how long a soft-terminated process gets before SIGKILL.
const killGrace = 5 * time.Second

// Spec describes one child process invocation.
type Spec struct {
	Command string            // run via sh -c
	Dir     string            // working directory
	Env     map[string]string // appended to the parent environment
	Timeout time.Duration     // zero means no timeout
}

// Result is the outcome of one child process.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	TimedOut    bool
	Interrupted bool
}

// LineFunc receives each streamed output line. stderr reports the
// source stream.
type LineFunc func(line string, stderr bool)

// Runner launches child commands. The zero value is usable.
type Runner struct{}

// Run executes the spec, streaming lines to onLine (may be nil) and
// accumulating full output in the result. Cancellation of ctx
// force-kills the child and reports Interrupted; expiry of the spec
// timeout soft-terminates, then force-kills after a short grace, and
// reports TimedOut. Exit code 0 is success; signal-terminated children
// report 128+signum.
func (r *Runner) Run(ctx context.Context, spec Spec, onLine LineFunc) (*Result, error) {
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so termination reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var outBuf, errBuf bytes.Buffer
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pump(stdout, &outBuf, onLine, false)
	}()
	go func() {
		defer pumps.Done()
		pump(stderr, &errBuf, onLine, true)
	}()

	result := &Result{}

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		result.Interrupted = true
		killGroup(cmd, syscall.SIGKILL)
		waitErr = <-waitCh
	case <-timeoutCh:
		result.TimedOut = true
		killGroup(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(killGrace):
			killGroup(cmd, syscall.SIGKILL)
			waitErr = <-waitCh
		}
	}

	pumps.Wait()
	result.Stdout = outBuf.String()
	result.Stderr = errBuf.String()
	result.ExitCode = exitCode(cmd, waitErr)
	return result, nil
}

// pump streams lines from rd to the accumulator and callback, chunking
// lines longer than maxLineBytes at the byte cap. The reader is drained
// to EOF regardless of line length so the child never blocks on a full
// pipe.
func pump(rd io.Reader, acc *bytes.Buffer, onLine LineFunc, isStderr bool) {
	reader := bufio.NewReaderSize(rd, maxLineBytes)
	emit := func(line []byte) {
		acc.Write(line)
		acc.WriteByte('\n')
		if onLine != nil {
			onLine(string(line), isStderr)
		}
	}
	for {
		chunk, err := reader.ReadSlice('\n')
		switch {
		case err == nil:
			emit(bytes.TrimSuffix(chunk, []byte{'\n'}))
		case errors.Is(err, bufio.ErrBufferFull):
			// Line exceeds the cap: emit the filled buffer as one chunk
			// and keep reading the remainder.
			emit(chunk)
		default:
			if len(chunk) > 0 {
				emit(chunk)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) &&
				!strings.Contains(err.Error(), "file already closed") {
				slog.Debug("Output pump ended", "stderr", isStderr, "error", err)
			}
			return
		}
	}
}

// killGroup signals the child's whole process group, falling back to
// the process itself when the group is gone.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// exitCode extracts the child exit code: 0 on clean exit, the reported
// code on nonzero exit, 128+signum for signal termination, -1 when
// nothing better is known.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
