package orchestrator

import "encoding/json"

// Stream event types emitted by the orchestrator during an iteration.
const (
	EventSessionCreated    = "session_created"
	EventLLMStreaming      = "llm_streaming"
	EventOperationStart    = "operation_start"
	EventOperationComplete = "operation_complete"
	EventIterationComplete = "iteration_complete"
	EventError             = "error"
)

// Iteration statuses reported by iteration_complete.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StreamEvent is one decoded frame from an iteration stream. Fields are
// populated per event type; unknown types carry only Type and are ignored by
// consumers.
type StreamEvent struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId,omitempty"`
	Delta         string `json:"delta,omitempty"`
	CharsReceived int    `json:"charsReceived,omitempty"`
	Operation     string `json:"operation,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ParseEvent decodes a raw SSE frame into a StreamEvent.
func ParseEvent(raw json.RawMessage) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StreamEvent{}, err
	}
	return ev, nil
}

// SchemaSnapshot describes one database schema sent as context on the first
// iteration.
type SchemaSnapshot struct {
	Name      string   `json:"name"`
	Tables    []string `json:"tables,omitempty"`
	Views     []string `json:"views,omitempty"`
	Functions []string `json:"functions,omitempty"`
}

// ProjectContext bundles the project-level artifacts attached to the first
// iteration. All slices are optional; the orchestrator retains them
// server-side for subsequent iterations.
type ProjectContext struct {
	ProjectMetadata json.RawMessage `json:"projectMetadata,omitempty"`
	Artifacts       json.RawMessage `json:"artifacts,omitempty"`
	Requirements    json.RawMessage `json:"requirements,omitempty"`
	Standards       json.RawMessage `json:"standards,omitempty"`
	TechStacks      json.RawMessage `json:"techStacks,omitempty"`
	CanvasNodes     json.RawMessage `json:"canvasNodes,omitempty"`
	CanvasEdges     json.RawMessage `json:"canvasEdges,omitempty"`
	Files           json.RawMessage `json:"files,omitempty"`
	Databases       json.RawMessage `json:"databases,omitempty"`
	ChatSessions    json.RawMessage `json:"chatSessions,omitempty"`
}

// IterationRequest is the body of one iteration POST. TaskDescription,
// ExposeProject, SchemaContext and ProjectContext are set on iteration 1
// only; later iterations identify themselves by SessionID alone and rely on
// the orchestrator's server-side context retention.
type IterationRequest struct {
	ProjectID     string  `json:"projectId"`
	DatabaseID    *string `json:"databaseId"`
	ConnectionID  *string `json:"connectionId"`
	ShareToken    *string `json:"shareToken"`
	SessionID     *string `json:"sessionId"`
	Iteration     int     `json:"iteration"`
	MaxIterations int     `json:"maxIterations"`

	TaskDescription string           `json:"taskDescription,omitempty"`
	ExposeProject   bool             `json:"exposeProject,omitempty"`
	SchemaContext   []SchemaSnapshot `json:"schemaContext,omitempty"`
	ProjectContext  *ProjectContext  `json:"projectContext,omitempty"`
}
