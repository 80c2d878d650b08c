package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dvhoward/stackpilot/internal/chat"
	"github.com/dvhoward/stackpilot/internal/orchestrator"
	"github.com/dvhoward/stackpilot/internal/store"
)

// ErrBusy is returned when a submission arrives while another is active.
// Submissions are single-flight: two drivers never run concurrently against
// the same project.
var ErrBusy = errors.New("a task is already in flight")

// ManagerOptions configures a Manager. DriverOptions is the template for each
// submission's driver; its Progress and Hooks fields are owned by the Manager.
type ManagerOptions struct {
	Driver Options
}

// Manager owns the lifecycle of task submissions for one project: it journals
// them, runs one driver at a time, applies the optimistic-message protocol
// around each run, and fans progress out to any number of subscribers.
type Manager struct {
	client     *orchestrator.Client
	tasks      *store.TaskStore
	reconciler *chat.Reconciler
	opts       ManagerOptions
	logger     *slog.Logger

	mu          sync.Mutex
	active      *Driver
	activeID    string
	subscribers map[string]map[chan Progress]struct{}
	results     map[string]Result
}

// NewManager creates a Manager.
func NewManager(client *orchestrator.Client, tasks *store.TaskStore, reconciler *chat.Reconciler, opts ManagerOptions, logger *slog.Logger) *Manager {
	return &Manager{
		client:      client,
		tasks:       tasks,
		reconciler:  reconciler,
		opts:        opts,
		logger:      logger,
		subscribers: make(map[string]map[chan Progress]struct{}),
		results:     make(map[string]Result),
	}
}

// Submit journals a submission, inserts its optimistic message, and starts
// the driver on its own goroutine. Returns ErrBusy while another submission
// is active.
func (m *Manager) Submit(ctx context.Context, sub Submission) (string, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrBusy
	}

	rec, err := m.tasks.Create(ctx, sub.TaskDescription)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}

	opts := m.opts.Driver
	taskID := rec.ID
	userProgress := opts.Progress
	opts.Progress = func(p Progress) {
		if userProgress != nil {
			userProgress(p)
		}
		m.broadcast(taskID, p)
	}
	driver := NewDriver(m.client, opts, m.logger)

	m.active = driver
	m.activeID = taskID
	m.mu.Unlock()

	_, snap := m.reconciler.AppendPending(sub.TaskDescription)

	go m.run(taskID, driver, sub, snap)
	return taskID, nil
}

func (m *Manager) run(taskID string, driver *Driver, sub Submission, snap chat.Snapshot) {
	res, err := driver.Run(context.Background(), sub)

	// Fatal failures roll the optimistic placeholder back; cancellation and
	// exhaustion leave it for the realtime feed to reconcile.
	if err != nil && !errors.Is(err, ErrAborted) {
		m.reconciler.Rollback(snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var sessionID, status, message *string
	if res.SessionID != "" {
		sessionID = &res.SessionID
	}
	if res.Status != "" {
		status = &res.Status
	}
	if res.Message != "" {
		message = &res.Message
	}
	if err := m.tasks.Finish(ctx, taskID, string(res.State), status, message, sessionID, res.Iterations); err != nil {
		m.logger.Error("failed to journal task outcome", "task_id", taskID, "error", err)
	}

	m.mu.Lock()
	m.active = nil
	m.activeID = ""
	m.results[taskID] = res
	subs := m.subscribers[taskID]
	delete(m.subscribers, taskID)
	m.mu.Unlock()

	for ch := range subs {
		close(ch)
	}
}

// Stop requests cancellation of the identified submission. Stopping a task
// that is not active is a no-op: it already reached a terminal state.
func (m *Manager) Stop(taskID string) {
	m.mu.Lock()
	driver := m.active
	match := m.activeID == taskID
	m.mu.Unlock()

	if driver != nil && match {
		driver.Stop()
	}
}

// Active returns the id of the in-flight submission, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID, m.activeID != ""
}

// Result returns the terminal result of a finished submission.
func (m *Manager) Result(taskID string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[taskID]
	return res, ok
}

// Subscribe returns a channel of progress notifications for a submission.
// The channel is closed when the submission reaches a terminal state. The
// returned cancel function must be called if the subscriber leaves early.
func (m *Manager) Subscribe(taskID string) (<-chan Progress, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != taskID {
		return nil, nil, false
	}

	ch := make(chan Progress, 64)
	if m.subscribers[taskID] == nil {
		m.subscribers[taskID] = make(map[chan Progress]struct{})
	}
	m.subscribers[taskID][ch] = struct{}{}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subscribers[taskID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, true
}

func (m *Manager) broadcast(taskID string, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers[taskID] {
		select {
		case ch <- p:
		default:
			// A stalled subscriber must not stall the driver's event order.
		}
	}
}
