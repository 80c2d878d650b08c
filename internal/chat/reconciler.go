// Package chat maintains the displayed message list for a session: the
// authoritative backend rows blended with optimistic local placeholders.
package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
)

// PendingIDPrefix marks a locally-generated id for a message that has not
// round-tripped through the backend yet.
const PendingIDPrefix = "pending-"

const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Snapshot is the pre-submission state a caller can roll back to when a
// submission fails.
type Snapshot struct {
	pending []orchestrator.Message
}

// Reconciler owns one session's displayed message list.
type Reconciler struct {
	mu            sync.Mutex
	authoritative []orchestrator.Message
	pending       []orchestrator.Message
}

// NewReconciler creates an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// AppendPending synthesizes and records an optimistic user message for just
// submitted text, returning it and a snapshot of the pre-submission state.
// The placeholder carries a correlation id in its metadata; retirement still
// matches on (role, content) because the backend does not echo the id yet.
func (r *Reconciler) AppendPending(content string) (orchestrator.Message, Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{pending: append([]orchestrator.Message(nil), r.pending...)}

	id := uuid.New().String()
	meta, _ := json.Marshal(map[string]string{"correlation_id": id})
	msg := orchestrator.Message{
		ID:        PendingIDPrefix + id,
		Role:      RoleUser,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	r.pending = append(r.pending, msg)
	return msg, snap
}

// SetAuthoritative replaces the authoritative list after a realtime refetch.
// Placeholders with a matching authoritative (role, content) pair are retired.
func (r *Reconciler) SetAuthoritative(msgs []orchestrator.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.authoritative = append([]orchestrator.Message(nil), msgs...)

	kept := r.pending[:0]
	for _, p := range r.pending {
		if !hasMatch(r.authoritative, p) {
			kept = append(kept, p)
		}
	}
	r.pending = kept
}

// Rollback restores the pre-submission pending set. The authoritative list is
// untouched: it is backend-owned and was never modified optimistically.
func (r *Reconciler) Rollback(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append([]orchestrator.Message(nil), snap.pending...)
}

// Visible returns the displayed list: authoritative messages plus unretired
// placeholders, system messages filtered, sorted by timestamp ascending.
// The sort is stable so placeholders keep their insertion order on ties.
func (r *Reconciler) Visible() []orchestrator.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]orchestrator.Message, 0, len(r.authoritative)+len(r.pending))
	for _, m := range r.authoritative {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	for _, p := range r.pending {
		if hasMatch(r.authoritative, p) {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// hasMatch reports whether an authoritative row retires the placeholder.
// System messages never participate in matching on either side.
func hasMatch(authoritative []orchestrator.Message, p orchestrator.Message) bool {
	if p.Role == RoleSystem {
		return false
	}
	for _, a := range authoritative {
		if a.Role == RoleSystem {
			continue
		}
		if a.Role == p.Role && a.Content == p.Content {
			return true
		}
	}
	return false
}
