package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscriberDispatchesByTable(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("project"); got != "p-1" {
			t.Errorf("project = %q", got)
		}
		if got := r.URL.Query().Get("token"); got != "tok" {
			t.Errorf("token = %q", got)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := []string{
			`{"table":"chat_messages","op":"INSERT"}`,
			`{"table":"deployments","op":"UPDATE"}`,
			`{"table":"unwatched","op":"INSERT"}`,
			`not json`,
			`{"table":"databases","op":"UPDATE"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	got := make(chan Notification, 8)
	sub := NewSubscriber(wsURL(srv), "p-1", "tok", testLogger())
	for _, table := range []string{TableChatMessages, TableDeployments, TableDatabases} {
		sub.On(table, func(n Notification) { got <- n })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	want := []Notification{
		{Table: TableChatMessages, Op: "INSERT"},
		{Table: TableDeployments, Op: "UPDATE"},
		{Table: TableDatabases, Op: "UPDATE"},
	}
	for i, w := range want {
		select {
		case n := <-got:
			if n != w {
				t.Fatalf("notification %d = %+v, want %+v", i, n, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}

	// The unwatched table and the malformed frame were dropped.
	select {
	case n := <-got:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connects := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects <- struct{}{}
		// Drop immediately; the subscriber must come back.
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	sub := NewSubscriber(wsURL(srv), "p-1", "tok", testLogger())
	sub.initialBackoff = time.Millisecond
	sub.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-connects:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never arrived", i)
		}
	}
}

func TestSubscriberStopsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	sub := NewSubscriber(wsURL(srv), "p-1", "tok", testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
