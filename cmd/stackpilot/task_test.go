package main

import (
	"testing"

	"github.com/dvhoward/stackpilot/internal/task"
)

func TestTaskModelHandleProgress(t *testing.T) {
	m := taskModel{state: task.StateIdle}

	m.handleProgress(task.Progress{Kind: task.ProgressSessionCreated, Iteration: 1, SessionID: "s-1"})
	if m.sessionID != "s-1" || m.state != task.StateStreaming || m.iteration != 1 {
		t.Fatalf("after session_created: %+v", m)
	}

	m.handleProgress(task.Progress{Kind: task.ProgressDelta, Iteration: 1, Delta: "hel", CharsReceived: 3})
	m.handleProgress(task.Progress{Kind: task.ProgressDelta, Iteration: 1, Delta: "lo", CharsReceived: 5})
	if m.content != "hello" || m.chars != 5 {
		t.Fatalf("content = %q, chars = %d", m.content, m.chars)
	}

	m.handleProgress(task.Progress{Kind: task.ProgressOperationStart, Iteration: 1, Operation: "create_table"})
	if m.operation != "create_table" {
		t.Fatalf("operation = %q", m.operation)
	}
	m.handleProgress(task.Progress{Kind: task.ProgressOperationComplete, Iteration: 1})
	if m.operation != "" {
		t.Fatalf("operation not cleared: %q", m.operation)
	}

	m.handleProgress(task.Progress{Kind: task.ProgressIterationComplete, Iteration: 1, Status: "in_progress"})
	if m.content != "" {
		t.Fatalf("content not reset between iterations: %q", m.content)
	}

	m.handleProgress(task.Progress{Kind: task.ProgressTerminal, Iteration: 2, State: task.StateComplete})
	if m.state != task.StateComplete {
		t.Fatalf("state = %s", m.state)
	}
	if len(m.events) == 0 {
		t.Fatal("no event lines recorded")
	}
}

func TestTaskModelCancelledProgress(t *testing.T) {
	m := taskModel{state: task.StateStreaming}
	m.handleProgress(task.Progress{Kind: task.ProgressCancelled, Iteration: 1})
	if m.state != task.StateAborted {
		t.Fatalf("state = %s", m.state)
	}
}

func TestWrapLines(t *testing.T) {
	got := wrapLines("abcdefghij\nkl", 20)
	if len(got) != 2 || got[0] != "abcdefghij" || got[1] != "kl" {
		t.Fatalf("got %v", got)
	}

	got = wrapLines("aaaaaaaaaaaaaaaaaaaaaaaa", 16)
	if len(got) != 2 || got[0] != "aaaaaaaaaaaaaaaa" {
		t.Fatalf("got %v", got)
	}

	if got := wrapLines("", 40); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestPanelHeightsFillAvailableSpace(t *testing.T) {
	reasoning, events := panelHeights(40)
	if reasoning+events != 36 {
		t.Fatalf("reasoning=%d events=%d", reasoning, events)
	}
	if events < 4 {
		t.Fatalf("events panel too small: %d", events)
	}

	// Tiny terminals still get a usable layout.
	reasoning, events = panelHeights(5)
	if reasoning <= 0 || events < 4 {
		t.Fatalf("reasoning=%d events=%d", reasoning, events)
	}
}
