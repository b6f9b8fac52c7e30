// Package claude supervises one Claude Code CLI invocation per
// conversational turn. A Process owns the subprocess and its pipes
// end-to-end: it spawns the CLI in streaming mode, decodes stdout lines
// into protocol frames on a background reader, drains stderr for
// diagnostics, and exposes cooperative abort and blocking wait.
package claude

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/zette-dev/forge/internal/protocol"
)

const (
	defaultBinary = "claude"
	scanBufSize   = 1024 * 1024 // 1MB max line length for stream-json
)

// Options configure a single turn's CLI invocation.
type Options struct {
	// Binary overrides the claude binary path. Default "claude".
	Binary string

	// Model selects the model via --model. Empty omits the flag.
	Model string

	// AllowedTools and DisallowedTools are comma-joined into
	// --allowedTools / --disallowedTools. Empty lists omit the flag.
	AllowedTools    []string
	DisallowedTools []string

	// WorkDir is the subprocess working directory. Empty inherits.
	WorkDir string
}

// ExitError reports a subprocess that exited with a non-zero status.
// Code -1 means signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("claude: exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Process is one running CLI invocation. It is consumed by either Abort
// or Wait; after one of them returns the Process must not be reused.
type Process struct {
	cmd *exec.Cmd

	cancel     chan struct{}
	cancelOnce sync.Once

	readerDone chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// Spawn launches the CLI for one turn and starts its background readers.
// Decoded frames are forwarded to frames in stdout order; the reader
// closes frames when it stops. resumeID continues a prior conversation
// (--resume); empty starts fresh. The prompt is the final positional
// argument. Stdin is not used.
//
// Spawn fails synchronously when the binary cannot be launched or the
// pipes cannot be captured.
func Spawn(prompt, resumeID string, opts Options, frames chan<- protocol.Frame) (*Process, error) {
	binary := opts.Binary
	if binary == "" {
		binary = defaultBinary
	}

	cmd := exec.Command(binary, buildArgs(prompt, resumeID, opts)...)
	cmd.Dir = opts.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: spawn: %w", err)
	}

	p := &Process{
		cmd:        cmd,
		cancel:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	go p.readStdout(stdout, frames)
	go drainStderr(stderr)

	return p, nil
}

// buildArgs assembles the CLI argument vector. Streaming machine-readable
// output is always requested; the prompt is always last.
func buildArgs(prompt, resumeID string, opts Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	return append(args, prompt)
}

// Abort fires the cancel signal, kills the subprocess, and waits for the
// stdout reader to stop. Killing an already-exited process is not an
// error. No result frame is synthesized on this path — the caller
// initiated the abort and already knows the turn is over.
func (p *Process) Abort() error {
	p.cancelOnce.Do(func() { close(p.cancel) })

	if err := p.kill(); err != nil {
		return err
	}
	<-p.readerDone

	// Reap the child; a kill-induced non-zero exit is expected here.
	_ = p.reap()
	return nil
}

// Wait blocks until the subprocess exits and the stdout reader has
// finished. A non-zero exit status yields *ExitError.
func (p *Process) Wait() error {
	<-p.readerDone
	return p.reap()
}

func (p *Process) kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("claude: kill: %w", err)
	}
	return nil
}

// reap calls cmd.Wait exactly once; Abort and Wait may both reach it.
func (p *Process) reap() error {
	p.waitOnce.Do(func() {
		p.waitErr = wrapExit(p.cmd.Wait())
	})
	return p.waitErr
}

// readStdout decodes stdout line by line and forwards frames. It stops on
// EOF, on cancel, and nowhere else. If the stream ends without any result
// frame having been forwarded, one is synthesized with subtype
// "interrupted" so every turn observes exactly one terminal frame.
func (p *Process) readStdout(stdout io.Reader, frames chan<- protocol.Frame) {
	defer close(p.readerDone)
	defer close(frames)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)

	sawResult := false
	for scanner.Scan() {
		if p.cancelled() {
			return
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			slog.Warn("skipping undecodable claude output", "error", err)
			continue
		}
		if frame.Kind() == protocol.FrameResult {
			sawResult = true
		}

		select {
		case frames <- frame:
		case <-p.cancel:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("claude stdout read failed", "error", err)
	}

	if sawResult || p.cancelled() {
		return
	}

	// Stream ended without a terminal frame (crash, kill, truncated
	// output). Synthesize one so the aggregator always sees an end state.
	synth := &protocol.ResultFrame{
		Subtype: "interrupted",
		IsError: true,
		Error:   "claude exited before sending a result",
	}
	select {
	case frames <- synth:
	case <-p.cancel:
	}
}

func (p *Process) cancelled() bool {
	select {
	case <-p.cancel:
		return true
	default:
		return false
	}
}

// drainStderr logs stderr lines for diagnostics. Never forwarded, never
// fatal.
func drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for scanner.Scan() {
		slog.Debug("claude stderr", "line", scanner.Text())
	}
}

// wrapExit converts a non-zero *exec.ExitError into *ExitError, passing
// other errors through. Exit code 0 maps to nil.
func wrapExit(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if ee.ExitCode() == 0 {
		return nil
	}
	return &ExitError{Code: ee.ExitCode(), Err: ee}
}
