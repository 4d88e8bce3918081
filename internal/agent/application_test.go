package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentrypoint/agent/internal/commandhandler"
	"github.com/sentrypoint/agent/internal/commandstore"
	"github.com/sentrypoint/agent/internal/instancelistener"
	"github.com/sentrypoint/agent/internal/logger"
	"github.com/sentrypoint/agent/internal/persistence"
	"github.com/sentrypoint/agent/internal/queue"
)

func openStores(t *testing.T) Stores {
	t.Helper()
	dir := t.TempDir()
	q, err := persistence.Open(filepath.Join(dir, "queue.db"), nil)
	if err != nil {
		t.Fatalf("open queue db: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	c, err := persistence.Open(filepath.Join(dir, "commands.db"), nil)
	if err != nil {
		t.Fatalf("open commands db: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return Stores{Queue: q, Commands: c}
}

// fakeManager models the remote endpoint the Communicator talks to: it
// authenticates any uuid/key pair and serves one queued command the first
// time /api/v1/commands is polled.
func fakeManager(t *testing.T, commandBody string) *httptest.Server {
	t.Helper()
	var served atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/authentication", func(w http.ResponseWriter, r *http.Request) {
		tok := fakeJWT(t, time.Now().Add(time.Hour))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": tok}})
	})
	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		if served.CompareAndSwap(false, true) && commandBody != "" {
			w.Write([]byte(commandBody))
			return
		}
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/v1/events/stateful", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v1/events/stateless", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	return httptest.NewServer(mux)
}

func fakeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + claims + "."
}

func TestApplicationWiresCommandsPollIntoHandler(t *testing.T) {
	srv := fakeManager(t, `[{"id":"cmd-1","module":"agent","command":"restart","mode":"sync"}]`)
	defer srv.Close()

	stores := openStores(t)
	sockPath := filepath.Join(t.TempDir(), "agent.sock")

	var reloaded atomic.Bool
	app, err := New(Config{
		ServerURL:              srv.URL,
		UUID:                   "00000000-0000-0000-0000-000000000000",
		Key:                    "secret",
		VerificationMode:       "full",
		RetryInterval:          50 * time.Millisecond,
		CommandsRequestTimeout: 2 * time.Second,
		BatchSizeBytes:         1_000_000,
		RuntimeSocketPath:      sockPath,
		QueueLimits:            map[queue.Kind]queue.Limits{},
	}, stores, instancelistener.ReloadFunc(func(*string) { reloaded.Store(true) }), logger.NewDefault("agent-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var dispatched []commandstore.Entry
	done := make(chan struct{}, 4)
	app.SetDispatcher(func(ctx context.Context, e commandstore.Entry) (commandhandler.ExecutionResult, error) {
		mu.Lock()
		dispatched = append(dispatched, e)
		mu.Unlock()
		done <- struct{}{}
		return commandhandler.ExecutionResult{Status: commandstore.Success, Message: "ok"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer app.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the queued command to be dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 1 {
		t.Fatalf("expected exactly one dispatched command, got %d", len(dispatched))
	}
	if dispatched[0].ID != "cmd-1" || dispatched[0].Command != "restart" {
		t.Fatalf("unexpected dispatched entry: %+v", dispatched[0])
	}
}

func TestApplicationStatefulMessageRoundTrip(t *testing.T) {
	delivered := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/authentication", func(w http.ResponseWriter, r *http.Request) {
		tok := fakeJWT(t, time.Now().Add(time.Hour))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": tok}})
	})
	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`[]`)) })
	mux.HandleFunc("/api/v1/events/stateful", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		delivered <- string(body)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v1/events/stateless", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	stores := openStores(t)
	sockPath := filepath.Join(t.TempDir(), "agent.sock")

	app, err := New(Config{
		ServerURL:              srv.URL,
		UUID:                   "00000000-0000-0000-0000-000000000000",
		Key:                    "secret",
		VerificationMode:       "full",
		RetryInterval:          50 * time.Millisecond,
		CommandsRequestTimeout: 2 * time.Second,
		BatchSizeBytes:         1_000_000,
		RuntimeSocketPath:      sockPath,
	}, stores, instancelistener.ReloadFunc(func(*string) {}), logger.NewDefault("agent-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	app.SetDispatcher(func(ctx context.Context, e commandstore.Entry) (commandhandler.ExecutionResult, error) {
		return commandhandler.ExecutionResult{Status: commandstore.Success}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer app.Stop(context.Background())

	app.Queue.Push(context.Background(), queue.Stateful, queue.Message{ModuleName: "syscheck", Data: `{"hello":"world"}`}, false)

	select {
	case body := <-delivered:
		if body == "" {
			t.Fatalf("expected a non-empty delivered batch body")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for stateful delivery")
	}

	empty, err := app.Queue.IsEmpty(context.Background(), queue.Stateful, "")
	if err != nil {
		t.Fatalf("is_empty: %v", err)
	}
	if !empty {
		t.Fatalf("expected stateful queue to be drained after delivery")
	}
}
