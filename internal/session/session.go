// Package session abstracts the agent session backend: something that
// takes a prompt for an issue and works until it exits. The orchestrator
// cares only that the session ran and what the store says afterwards.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// Request describes one agent session.
type Request struct {
	SessionID string
	IssueID   string
	Role      string
	Prompt    string
	Model     string
	Reasoning string
	Timeout   time.Duration
}

// Result is what came back from a session. A non-zero exit code is a
// session-level failure, not a transport error.
type Result struct {
	SessionID string
	ExitCode  int
	Output    string
	Duration  time.Duration
}

// Runner runs agent sessions.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// NewSessionID mints a session identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()[:8]
}

// maxCapturedOutput bounds how much session output is retained.
const maxCapturedOutput = 64 << 10

// Subprocess runs sessions by invoking a backend binary with the prompt
// on stdin. Session identity and the issue under work travel in the
// environment.
type Subprocess struct {
	Backend string
	log     *log.Logger
}

var _ Runner = (*Subprocess)(nil)

// NewSubprocess returns a Runner around the backend command.
func NewSubprocess(backend string, logger *log.Logger) *Subprocess {
	if logger == nil {
		logger = log.New(log.Writer(), "session: ", log.LstdFlags)
	}
	return &Subprocess{Backend: backend, log: logger}
}

// Run implements Runner. The returned error covers spawn and timeout
// failures; a backend that starts and exits non-zero yields a Result
// carrying the exit code instead.
func (s *Subprocess) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var args []string
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Reasoning != "" {
		args = append(args, "--reasoning", req.Reasoning)
	}

	cmd := exec.CommandContext(ctx, s.Backend, args...)
	cmd.Stdin = bytes.NewBufferString(req.Prompt)
	var output bytes.Buffer
	cmd.Stdout = &capped{buf: &output}
	cmd.Stderr = cmd.Stdout
	cmd.Env = append(os.Environ(),
		"DAGWORK_SESSION_ID="+req.SessionID,
		"DAGWORK_ISSUE_ID="+req.IssueID,
		"DAGWORK_ROLE="+req.Role,
	)

	start := time.Now()
	s.log.Printf("session %s: running %s for %s (role %s)", req.SessionID, s.Backend, req.IssueID, req.Role)
	err := cmd.Run()
	result := &Result{
		SessionID: req.SessionID,
		Output:    output.String(),
		Duration:  time.Since(start),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("session %s: %w", req.SessionID, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("session %s: failed to run %s: %w", req.SessionID, s.Backend, err)
	}
	return result, nil
}

// capped discards writes past maxCapturedOutput.
type capped struct {
	buf *bytes.Buffer
}

func (c *capped) Write(p []byte) (int, error) {
	if c.buf.Len() >= maxCapturedOutput {
		return len(p), nil
	}
	if room := maxCapturedOutput - c.buf.Len(); len(p) > room {
		c.buf.Write(p[:room])
		return len(p), nil
	}
	return c.buf.Write(p)
}
