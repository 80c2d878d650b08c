// Package resource merges refetched backend rows into local state while
// preserving object identity for rows whose observable fields are unchanged.
package resource

import (
	"fmt"
	"sync"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
)

// deploymentSignature covers the allowlisted observable fields of a
// deployment row. Fields outside this set never count as a change.
func deploymentSignature(d *orchestrator.Deployment) string {
	last := ""
	if d.LastDeployedAt != nil {
		last = d.LastDeployedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	return fmt.Sprintf("%s|%s|%s|%s", d.Status, d.ServiceID, d.URL, last)
}

// databaseSignature covers the allowlisted observable fields of a database
// row.
func databaseSignature(db *orchestrator.Database) string {
	return fmt.Sprintf("%s|%s|%s", db.Status, db.Host, db.Version)
}

// merge reconciles a refetched snapshot against the previous one. Rows whose
// id exists in prev with an equal signature keep their previous pointer.
// When nothing was added, removed or changed, prev is returned unmodified and
// changed is false, so a no-op refresh produces zero state updates.
func merge[T any](prev, next []*T, id func(*T) string, sig func(*T) string) (rows []*T, changed bool) {
	prevByID := make(map[string]*T, len(prev))
	for _, p := range prev {
		prevByID[id(p)] = p
	}

	out := make([]*T, 0, len(next))
	for _, n := range next {
		if p, ok := prevByID[id(n)]; ok && sig(p) == sig(n) {
			out = append(out, p)
			continue
		}
		out = append(out, n)
		changed = true
	}

	if !changed && len(out) == len(prev) {
		same := true
		for i := range out {
			if out[i] != prev[i] {
				same = false
				break
			}
		}
		if same {
			return prev, false
		}
		changed = true
	}
	if len(out) != len(prev) {
		changed = true
	}
	return out, changed
}

// MergeDeployments reconciles a deployment snapshot against the previous one.
func MergeDeployments(prev, next []*orchestrator.Deployment) ([]*orchestrator.Deployment, bool) {
	return merge(prev, next,
		func(d *orchestrator.Deployment) string { return d.ID },
		deploymentSignature)
}

// MergeDatabases reconciles a database snapshot against the previous one.
func MergeDatabases(prev, next []*orchestrator.Database) ([]*orchestrator.Database, bool) {
	return merge(prev, next,
		func(d *orchestrator.Database) string { return d.ID },
		databaseSignature)
}

// Tracker holds the current synced snapshots for one project.
type Tracker struct {
	mu          sync.Mutex
	deployments []*orchestrator.Deployment
	databases   []*orchestrator.Database
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// UpdateDeployments merges a refetched snapshot and reports whether anything
// observable changed.
func (t *Tracker) UpdateDeployments(next []*orchestrator.Deployment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged, changed := MergeDeployments(t.deployments, next)
	t.deployments = merged
	return changed
}

// UpdateDatabases merges a refetched snapshot and reports whether anything
// observable changed.
func (t *Tracker) UpdateDatabases(next []*orchestrator.Database) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged, changed := MergeDatabases(t.databases, next)
	t.databases = merged
	return changed
}

// Deployments returns the current deployment snapshot.
func (t *Tracker) Deployments() []*orchestrator.Deployment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*orchestrator.Deployment(nil), t.deployments...)
}

// Databases returns the current database snapshot.
func (t *Tracker) Databases() []*orchestrator.Database {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*orchestrator.Database(nil), t.databases...)
}
