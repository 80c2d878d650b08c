// Package task drives one agent task submission across its iterations.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
	"github.com/dvhoward/stackpilot/internal/sse"
)

// State is the driver's position in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
	// StateExhausted means the loop stopped without the server declaring a
	// terminal status: either maxIterations ran out or the stream kept
	// closing without iteration_complete past the silent-retry cap.
	StateExhausted State = "exhausted"
)

// ErrAborted is returned when the user stopped the submission. It is an
// acknowledgment, not a failure.
var ErrAborted = errors.New("task stopped by user")

// eofRetryCapIteration: clean end-of-stream without iteration_complete is
// retried in place on early iterations, but once the session is this many
// iterations deep it ends the loop with a warning instead of retrying
// forever.
const eofRetryCapIteration = 3

// Submission is the user-supplied task. It is sent in full on iteration 1
// only; the orchestrator retains it server-side keyed by session.
type Submission struct {
	TaskDescription string
	ExposeProject   bool
	SchemaContext   []orchestrator.SchemaSnapshot
	ProjectContext  *orchestrator.ProjectContext
}

// ProgressKind tags a progress notification.
type ProgressKind string

const (
	ProgressSessionCreated    ProgressKind = "session_created"
	ProgressDelta             ProgressKind = "delta"
	ProgressOperationStart    ProgressKind = "operation_start"
	ProgressOperationComplete ProgressKind = "operation_complete"
	ProgressIterationComplete ProgressKind = "iteration_complete"
	ProgressRetry             ProgressKind = "retry"
	ProgressWarning           ProgressKind = "warning"
	ProgressCancelled         ProgressKind = "cancelled"
	ProgressTerminal          ProgressKind = "terminal"
)

// Progress is one live notification pushed to the caller's sink. The sink is
// invoked from the driver's goroutine, in event-arrival order.
type Progress struct {
	Kind          ProgressKind
	Iteration     int
	SessionID     string
	Delta         string
	CharsReceived int
	Operation     string
	Status        string
	State         State
	Message       string
}

// Hooks are push-style callbacks invoked after terminal success, since the
// agent may have mutated backend-owned resources while it worked.
type Hooks struct {
	OnSchemaRefresh    func()
	OnMigrationRefresh func()
}

// Options configures a Driver.
type Options struct {
	ProjectID     string
	DatabaseID    *string
	ConnectionID  *string
	ShareToken    *string
	MaxIterations int
	RetryBackoff  time.Duration
	Progress      func(Progress)
	Hooks         Hooks
}

// Result is the terminal outcome of a submission.
type Result struct {
	State      State
	Status     string
	SessionID  string
	Iterations int
	Message    string
}

// Driver owns all mutable state for one active submission. Iterations are
// strictly sequential: a new request is opened only after the previous stream
// has fully closed. A Driver must not be reused across submissions.
type Driver struct {
	client *orchestrator.Client
	opts   Options
	logger *slog.Logger

	stopRequested atomic.Bool

	mu            sync.Mutex
	state         State
	iteration     int
	sessionID     string
	status        string
	streamContent string
	streaming     bool
	cancelCurrent context.CancelFunc
}

// NewDriver creates a Driver for one submission.
func NewDriver(client *orchestrator.Client, opts Options, logger *slog.Logger) *Driver {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Progress == nil {
		opts.Progress = func(Progress) {}
	}
	return &Driver{
		client: client,
		opts:   opts,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the driver's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SessionID returns the current server-assigned session id, if any.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// StreamingMessage returns the live streaming-message buffer and whether a
// stream is currently open.
func (d *Driver) StreamingMessage() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamContent, d.streaming
}

// Stop requests cancellation: it sets the intentional-stop flag, cancels the
// in-flight request, and best-effort notifies the orchestrator so server-side
// work can be interrupted.
func (d *Driver) Stop() {
	d.stopRequested.Store(true)

	d.mu.Lock()
	cancel := d.cancelCurrent
	sessionID := d.sessionID
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sessionID != "" {
		go func() {
			ctx, cancelAbort := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelAbort()
			d.client.Abort(ctx, sessionID, d.opts.ShareToken)
		}()
	}
}

// iterationOutcome is the result of a single stream attempt.
type iterationOutcome struct {
	receivedComplete bool
	err              error
}

// Run executes the submission to a terminal state. The returned error is
// non-nil only for failures and user cancellation (ErrAborted); exhaustion is
// a Result, not an error.
func (d *Driver) Run(ctx context.Context, sub Submission) (Result, error) {
	d.mu.Lock()
	d.state = StateStreaming
	d.iteration = 1
	d.sessionID = ""
	d.status = orchestrator.StatusInProgress
	d.mu.Unlock()

	for {
		if d.stopRequested.Load() {
			return d.finishAborted()
		}

		out := d.runIteration(ctx, sub)

		if out.err != nil {
			// Stop wins over every other interpretation of a thrown read,
			// regardless of timing.
			if d.stopRequested.Load() {
				return d.finishAborted()
			}

			var se *orchestrator.ServerError
			if errors.As(out.err, &se) {
				return d.finishFailed(out.err)
			}
			var fe *sse.FrameError
			if errors.As(out.err, &fe) {
				return d.finishFailed(out.err)
			}
			if out.receivedComplete {
				// Late exception after a clean completion signal.
				return d.finishFailed(fmt.Errorf("stream error after iteration_complete: %w", out.err))
			}
			if d.currentStatus() != orchestrator.StatusInProgress {
				return d.finishFailed(out.err)
			}

			// Transient transport drop: retry the same iteration number.
			d.warnRetry(out.err)
			d.sleepBackoff()
			continue
		}

		if !out.receivedComplete {
			// Stream ended cleanly without iteration_complete. Same drop
			// handling, but capped once the session is a few iterations deep.
			if d.currentIteration() >= eofRetryCapIteration {
				return d.finishIncomplete()
			}
			d.warnRetry(errors.New("stream closed before iteration_complete"))
			d.sleepBackoff()
			continue
		}

		status := d.currentStatus()
		if status != orchestrator.StatusInProgress {
			return d.finishTerminal(status)
		}

		next := d.advanceIteration()
		if next > d.opts.MaxIterations {
			return d.finishExhausted()
		}
	}
}

// runIteration opens one stream attempt and consumes it to its end.
func (d *Driver) runIteration(ctx context.Context, sub Submission) iterationOutcome {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancelCurrent = cancel
	d.streamContent = ""
	iteration := d.iteration
	sessionID := d.sessionID
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.cancelCurrent = nil
		d.streaming = false
		d.mu.Unlock()
	}()

	req := orchestrator.IterationRequest{
		ProjectID:     d.opts.ProjectID,
		DatabaseID:    d.opts.DatabaseID,
		ConnectionID:  d.opts.ConnectionID,
		ShareToken:    d.opts.ShareToken,
		Iteration:     iteration,
		MaxIterations: d.opts.MaxIterations,
	}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	if iteration == 1 {
		req.TaskDescription = sub.TaskDescription
		req.ExposeProject = sub.ExposeProject
		req.SchemaContext = sub.SchemaContext
		req.ProjectContext = sub.ProjectContext
	}

	body, err := d.client.OpenIteration(attemptCtx, req)
	if err != nil {
		return iterationOutcome{err: err}
	}
	defer body.Close()

	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()

	return d.consumeStream(body, iteration)
}

// consumeStream dispatches decoded events in arrival order until the stream
// ends, iteration_complete arrives, or an error surfaces.
func (d *Driver) consumeStream(body io.Reader, iteration int) iterationOutcome {
	dec := sse.NewDecoder(body)
	var out iterationOutcome

	for {
		raw, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out
			}
			out.err = err
			return out
		}

		ev, err := orchestrator.ParseEvent(raw)
		if err != nil {
			d.logger.Debug("skipping undecodable frame", "iteration", iteration, "error", err)
			continue
		}

		switch ev.Type {
		case orchestrator.EventSessionCreated:
			d.mu.Lock()
			d.sessionID = ev.SessionID
			d.mu.Unlock()
			d.opts.Progress(Progress{Kind: ProgressSessionCreated, Iteration: iteration, SessionID: ev.SessionID})

		case orchestrator.EventLLMStreaming:
			d.mu.Lock()
			d.streamContent += ev.Delta
			d.mu.Unlock()
			d.opts.Progress(Progress{Kind: ProgressDelta, Iteration: iteration, Delta: ev.Delta, CharsReceived: ev.CharsReceived})

		case orchestrator.EventOperationStart:
			d.opts.Progress(Progress{Kind: ProgressOperationStart, Iteration: iteration, Operation: ev.Operation})

		case orchestrator.EventOperationComplete:
			d.opts.Progress(Progress{Kind: ProgressOperationComplete, Iteration: iteration})

		case orchestrator.EventIterationComplete:
			d.mu.Lock()
			d.status = ev.Status
			if ev.SessionID != "" {
				d.sessionID = ev.SessionID
			}
			sessionID := d.sessionID
			d.mu.Unlock()
			out.receivedComplete = true
			d.opts.Progress(Progress{Kind: ProgressIterationComplete, Iteration: iteration, SessionID: sessionID, Status: ev.Status})
			return out

		case orchestrator.EventError:
			out.err = &orchestrator.ServerError{Detail: ev.Error}
			return out

		default:
			d.logger.Debug("ignoring unknown event", "type", ev.Type, "iteration", iteration)
		}
	}
}

func (d *Driver) currentIteration() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iteration
}

func (d *Driver) currentStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Driver) advanceIteration() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.iteration++
	return d.iteration
}

func (d *Driver) warnRetry(cause error) {
	it := d.currentIteration()
	d.logger.Warn("stream dropped, retrying iteration", "iteration", it, "error", cause)
	d.opts.Progress(Progress{
		Kind:      ProgressRetry,
		Iteration: it,
		Message:   fmt.Sprintf("connection dropped, retrying iteration %d: %v", it, cause),
	})
}

func (d *Driver) sleepBackoff() {
	time.Sleep(d.opts.RetryBackoff)
}

func (d *Driver) finish(state State, message string) Result {
	d.mu.Lock()
	d.state = state
	d.streamContent = ""
	d.streaming = false
	res := Result{
		State:      state,
		Status:     d.status,
		SessionID:  d.sessionID,
		Iterations: d.iteration,
		Message:    message,
	}
	d.mu.Unlock()
	return res
}

func (d *Driver) finishAborted() (Result, error) {
	res := d.finish(StateAborted, "stopped by user")
	d.opts.Progress(Progress{Kind: ProgressCancelled, Iteration: res.Iterations, State: StateAborted, Message: res.Message})
	return res, ErrAborted
}

func (d *Driver) finishFailed(err error) (Result, error) {
	res := d.finish(StateFailed, err.Error())
	d.opts.Progress(Progress{Kind: ProgressTerminal, Iteration: res.Iterations, State: StateFailed, Status: res.Status, Message: err.Error()})
	return res, err
}

func (d *Driver) finishTerminal(status string) (Result, error) {
	if status == orchestrator.StatusCompleted {
		res := d.finish(StateComplete, "")
		if d.opts.Hooks.OnSchemaRefresh != nil {
			d.opts.Hooks.OnSchemaRefresh()
		}
		if d.opts.Hooks.OnMigrationRefresh != nil {
			d.opts.Hooks.OnMigrationRefresh()
		}
		d.opts.Progress(Progress{Kind: ProgressTerminal, Iteration: res.Iterations, State: StateComplete, Status: status, SessionID: res.SessionID})
		return res, nil
	}

	// The server declared a non-success terminal status.
	res := d.finish(StateFailed, "task ended with status "+status)
	d.opts.Progress(Progress{Kind: ProgressTerminal, Iteration: res.Iterations, State: StateFailed, Status: status, Message: res.Message})
	return res, &orchestrator.ServerError{Detail: res.Message}
}

func (d *Driver) finishExhausted() (Result, error) {
	res := d.finish(StateExhausted, fmt.Sprintf("stopped after %d iterations without completion", d.opts.MaxIterations))
	d.opts.Progress(Progress{Kind: ProgressWarning, Iteration: res.Iterations, State: StateExhausted, Message: res.Message})
	return res, nil
}

func (d *Driver) finishIncomplete() (Result, error) {
	res := d.finish(StateExhausted, "session may be incomplete: stream kept closing before iteration_complete")
	d.opts.Progress(Progress{Kind: ProgressWarning, Iteration: res.Iterations, State: StateExhausted, Message: res.Message})
	return res, nil
}
