package instancelistener

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", path, err)
	return nil
}

func TestListenerDispatchesReload(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")

	var mu sync.Mutex
	var calls []*string
	reloadCh := make(chan struct{}, 4)

	l := New(sockPath, func(module *string) {
		mu.Lock()
		calls = append(calls, module)
		mu.Unlock()
		reloadCh <- struct{}{}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop(ctx)

	conn := dial(t, sockPath)
	if _, err := conn.Write([]byte("RELOAD\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	select {
	case <-reloadCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload callback")
	}

	conn2 := dial(t, sockPath)
	if _, err := conn2.Write([]byte("RELOAD-MODULE:syscheck\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn2.Close()

	select {
	case <-reloadCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for module reload callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0] != nil {
		t.Fatalf("expected RELOAD to pass nil module, got %v", *calls[0])
	}
	if calls[1] == nil || *calls[1] != "syscheck" {
		t.Fatalf("expected RELOAD-MODULE:syscheck, got %v", calls[1])
	}
}

func TestListenerStopClosesSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	l := New(sockPath, func(module *string) {}, nil)

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := net.Dial("unix", sockPath); err == nil {
		t.Fatalf("expected dial to fail after stop")
	}
}
