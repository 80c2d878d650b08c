package resource

import (
	"testing"
	"time"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
)

func dep(id, status, serviceID, url string) *orchestrator.Deployment {
	return &orchestrator.Deployment{
		ID:        id,
		ProjectID: "p-1",
		Name:      "svc-" + id,
		Status:    status,
		ServiceID: serviceID,
		URL:       url,
	}
}

func db(id, status, host, version string) *orchestrator.Database {
	return &orchestrator.Database{
		ID:        id,
		ProjectID: "p-1",
		Name:      "db-" + id,
		Status:    status,
		Host:      host,
		Version:   version,
	}
}

func TestMergePreservesIdentityForUnchangedRows(t *testing.T) {
	prev := []*orchestrator.Deployment{
		dep("d-1", "running", "svc-a", "https://a.example"),
		dep("d-2", "building", "svc-b", "https://b.example"),
	}
	next := []*orchestrator.Deployment{
		dep("d-1", "running", "svc-a", "https://a.example"),
		dep("d-2", "running", "svc-b", "https://b.example"),
	}

	merged, changed := MergeDeployments(prev, next)
	if !changed {
		t.Fatal("status change must be reported")
	}
	if merged[0] != prev[0] {
		t.Fatal("unchanged row lost its identity")
	}
	if merged[1] == prev[1] {
		t.Fatal("changed row kept stale pointer")
	}
	if merged[1].Status != "running" {
		t.Fatalf("status = %q", merged[1].Status)
	}
}

func TestMergeIdenticalSnapshotIsNoOp(t *testing.T) {
	prev := []*orchestrator.Deployment{
		dep("d-1", "running", "svc-a", "https://a.example"),
	}
	next := []*orchestrator.Deployment{
		dep("d-1", "running", "svc-a", "https://a.example"),
	}

	merged, changed := MergeDeployments(prev, next)
	if changed {
		t.Fatal("identical snapshot reported as changed")
	}
	if &merged[0] != &prev[0] {
		// the slice itself must be the previous one, not a fresh copy
		t.Fatal("no-op merge allocated a new slice")
	}
}

func TestMergeIgnoresFieldsOutsideTheSignature(t *testing.T) {
	prev := []*orchestrator.Deployment{
		dep("d-1", "running", "svc-a", "https://a.example"),
	}
	renamed := dep("d-1", "running", "svc-a", "https://a.example")
	renamed.Name = "renamed-service"

	merged, changed := MergeDeployments(prev, []*orchestrator.Deployment{renamed})
	if changed {
		t.Fatal("name is not an observable field, no change expected")
	}
	if merged[0] != prev[0] {
		t.Fatal("row identity lost on a non-observable edit")
	}
}

func TestMergeLastDeployedAtIsObservable(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	a := dep("d-1", "running", "svc-a", "https://a.example")
	a.LastDeployedAt = &now
	b := dep("d-1", "running", "svc-a", "https://a.example")
	b.LastDeployedAt = &later

	merged, changed := MergeDeployments(
		[]*orchestrator.Deployment{a},
		[]*orchestrator.Deployment{b},
	)
	if !changed {
		t.Fatal("redeploy timestamp change must be observable")
	}
	if merged[0] != b {
		t.Fatal("expected the refetched row")
	}
}

func TestMergeHandlesAddsAndRemovals(t *testing.T) {
	prev := []*orchestrator.Database{
		db("b-1", "ready", "host-1", "16"),
		db("b-2", "ready", "host-2", "16"),
	}
	next := []*orchestrator.Database{
		db("b-2", "ready", "host-2", "16"),
		db("b-3", "provisioning", "host-3", "17"),
	}

	merged, changed := MergeDatabases(prev, next)
	if !changed {
		t.Fatal("add and removal must be reported")
	}
	if len(merged) != 2 {
		t.Fatalf("len = %d", len(merged))
	}
	if merged[0] != prev[1] {
		t.Fatal("surviving row lost its identity")
	}
	if merged[1].ID != "b-3" {
		t.Fatalf("new row = %q", merged[1].ID)
	}
}

func TestMergeReorderIsAChange(t *testing.T) {
	prev := []*orchestrator.Database{
		db("b-1", "ready", "host-1", "16"),
		db("b-2", "ready", "host-2", "16"),
	}
	next := []*orchestrator.Database{
		db("b-2", "ready", "host-2", "16"),
		db("b-1", "ready", "host-1", "16"),
	}

	merged, changed := MergeDatabases(prev, next)
	if !changed {
		t.Fatal("reorder must be reported")
	}
	if merged[0] != prev[1] || merged[1] != prev[0] {
		t.Fatal("rows must keep identity across a reorder")
	}
}

func TestTrackerUpdateAndRead(t *testing.T) {
	tr := NewTracker()

	if changed := tr.UpdateDeployments([]*orchestrator.Deployment{
		dep("d-1", "building", "svc-a", ""),
	}); !changed {
		t.Fatal("first snapshot must report changed")
	}
	if changed := tr.UpdateDeployments([]*orchestrator.Deployment{
		dep("d-1", "building", "svc-a", ""),
	}); changed {
		t.Fatal("identical refetch must be a no-op")
	}
	if changed := tr.UpdateDatabases([]*orchestrator.Database{
		db("b-1", "ready", "host-1", "16"),
	}); !changed {
		t.Fatal("first database snapshot must report changed")
	}

	deps := tr.Deployments()
	if len(deps) != 1 || deps[0].ID != "d-1" {
		t.Fatalf("deployments = %+v", deps)
	}
	dbs := tr.Databases()
	if len(dbs) != 1 || dbs[0].ID != "b-1" {
		t.Fatalf("databases = %+v", dbs)
	}
}
