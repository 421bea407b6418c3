// Package e2e exercises the full daemon stack: Unix-socket server, lifecycle
// service, dispatch loop, and the loopback backend with its embedded guest
// agent. No hypervisor required.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vesselvm/vessel/internal/api"
	"github.com/vesselvm/vessel/internal/backend/loopback"
	"github.com/vesselvm/vessel/internal/engine"
	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
	"github.com/vesselvm/vessel/internal/registry"
	"github.com/vesselvm/vessel/internal/store"
)

// startDaemon assembles the daemon wiring and returns the socket path.
func startDaemon(t *testing.T) string {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := t.TempDir()

	be, err := loopback.New(logger)
	if err != nil {
		t.Fatalf("loopback.New: %v", err)
	}
	if err := be.Start(); err != nil {
		t.Fatalf("backend start: %v", err)
	}

	disp := engine.NewDispatcher(be, logger)
	go disp.Run()

	journal, err := store.NewSQLiteJournal(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	reg := registry.New()
	svc := api.NewService(reg, disp, journal, nil, logger, 5*time.Second)

	socketPath := filepath.Join(dir, "vesseld.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := api.NewServer(l, svc, logger)
	go srv.Serve(context.Background())

	t.Cleanup(func() {
		srv.Close()
		disp.Stop()
		<-disp.Done()
		be.Close()
		journal.Close()
	})
	return socketPath
}

func TestFullLifecycle(t *testing.T) {
	socketPath := startDaemon(t)

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Create("c1", "/var/bundles/c1"); err != nil {
		t.Fatalf("Create c1: %v", err)
	}
	if err := client.Create("c2", "/var/bundles/c2"); err != nil {
		t.Fatalf("Create c2: %v", err)
	}

	st, err := client.State("c1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != model.StatusCreated {
		t.Errorf("c1 status = %q, want created", st.Status)
	}

	if err := client.Start("c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := client.Connect("c1", 9000); err != nil {
		t.Errorf("Connect on running = %v", err)
	}
	if err := client.Kill("c1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := client.Delete("c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := client.State("c1"); !errors.Is(err, protocol.ErrContainerNotFound) {
		t.Errorf("State after delete = %v, want ErrContainerNotFound", err)
	}

	// c2 was untouched by c1's teardown.
	st, err = client.State("c2")
	if err != nil {
		t.Fatalf("State c2: %v", err)
	}
	if st.Status != model.StatusCreated {
		t.Errorf("c2 status = %q, want created", st.Status)
	}

	events, err := client.Events("c1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var ops []string
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	want := []string{"create", "start", "kill", "delete"}
	if len(ops) != len(want) {
		t.Fatalf("event ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op[%d] = %q, want %q", i, ops[i], want[i])
		}
	}
}

func TestLifecycleErrorsEndToEnd(t *testing.T) {
	socketPath := startDaemon(t)

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Create("c1", "/var/bundles/c1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := client.Create("c1", "/var/bundles/c1"); !errors.Is(err, protocol.ErrContainerAlreadyExists) {
		t.Errorf("duplicate Create = %v, want ErrContainerAlreadyExists", err)
	}

	if err := client.Start("c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var statusErr *protocol.UnexpectedStatusError
	if err := client.Start("c1"); !errors.As(err, &statusErr) {
		t.Errorf("double Start = %v, want UnexpectedStatusError", err)
	}
	if err := client.Delete("c1"); !errors.As(err, &statusErr) {
		t.Errorf("Delete running = %v, want UnexpectedStatusError", err)
	}

	if err := client.Start("ghost"); !errors.Is(err, protocol.ErrContainerNotFound) {
		t.Errorf("Start unknown = %v, want ErrContainerNotFound", err)
	}
}

func TestManyClientsManyContainers(t *testing.T) {
	const n = 6
	socketPath := startDaemon(t)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := api.Dial(socketPath)
			if err != nil {
				errs[i] = err
				return
			}
			defer client.Close()

			id := fmt.Sprintf("c%d", i)
			if err := client.Create(id, "/var/bundles/"+id); err != nil {
				errs[i] = fmt.Errorf("create: %w", err)
				return
			}
			if err := client.Start(id); err != nil {
				errs[i] = fmt.Errorf("start: %w", err)
				return
			}
			if err := client.Kill(id); err != nil {
				errs[i] = fmt.Errorf("kill: %w", err)
				return
			}
			if err := client.Delete(id); err != nil {
				errs[i] = fmt.Errorf("delete: %w", err)
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}
