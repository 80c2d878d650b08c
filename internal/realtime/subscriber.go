// Package realtime subscribes to the backend's per-project change feed over
// websocket. Notifications are triggers to refetch, not deltas.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Tables carried by the change feed that this client reacts to.
const (
	TableChatMessages = "chat_messages"
	TableDeployments  = "deployments"
	TableDatabases    = "databases"
)

// Notification is one row-level change notification.
type Notification struct {
	Table string `json:"table"`
	Op    string `json:"op"`
}

// Handler reacts to a change notification for one table. Handlers run on the
// subscriber's read goroutine and should hand off long work.
type Handler func(Notification)

// Subscriber maintains one websocket subscription per project and dispatches
// notifications to per-table handlers. It reconnects with capped backoff
// until its context is cancelled.
type Subscriber struct {
	wsURL     string
	projectID string
	token     string
	handlers  map[string]Handler
	logger    *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubscriber creates a Subscriber. Register handlers before calling Run.
func NewSubscriber(wsURL, projectID, token string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		wsURL:          wsURL,
		projectID:      projectID,
		token:          token,
		handlers:       make(map[string]Handler),
		logger:         logger,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// On registers the handler for a table.
func (s *Subscriber) On(table string, h Handler) {
	s.handlers[table] = h
}

// Run connects and reads notifications until ctx is cancelled. Connection
// loss is not an error: the subscription resumes after a backoff.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := s.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.readLoop(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("realtime connection lost", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("project", s.projectID)
	q.Set("token", s.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("realtime subscribed", "project", s.projectID)

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			s.logger.Debug("skipping unparseable notification", "error", err)
			continue
		}
		if h, ok := s.handlers[n.Table]; ok {
			h(n)
		}
	}
}
