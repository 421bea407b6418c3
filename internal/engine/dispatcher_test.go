package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vesselvm/vessel/internal/protocol"
)

// fakeBackend records calls in order and can be scripted to fail or to return
// canned receive payloads.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	recvData map[uint32][]byte
	failOn   string
	failErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{recvData: make(map[uint32][]byte)}
}

func (f *fakeBackend) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && call == f.failOn {
		return f.failErr
	}
	return nil
}

func (f *fakeBackend) Start() error            { return f.record("start") }
func (f *fakeBackend) Kill() error             { return f.record("kill") }
func (f *fakeBackend) Connect(p uint32) error  { return f.record(fmt.Sprintf("connect:%d", p)) }
func (f *fakeBackend) Disconnect(p uint32) error {
	return f.record(fmt.Sprintf("disconnect:%d", p))
}
func (f *fakeBackend) VsockSend(p uint32, data []byte) error {
	return f.record(fmt.Sprintf("send:%d:%s", p, data))
}
func (f *fakeBackend) VsockRecv(p uint32) ([]byte, error) {
	if err := f.record(fmt.Sprintf("recv:%d", p)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recvData[p], nil
}
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startDispatcher(t *testing.T, fb *fakeBackend) *Dispatcher {
	t.Helper()
	d := NewDispatcher(fb, testLogger())
	go d.Run()
	t.Cleanup(func() {
		d.Stop()
		<-d.Done()
	})
	return d
}

func TestCommandsExecuteInOrder(t *testing.T) {
	fb := newFakeBackend()
	d := startDispatcher(t, fb)
	ctx := context.Background()

	cmds := []Command{
		{Op: OpStart},
		{Op: OpConnect, Port: 1234},
		{Op: OpVsockSend, Port: 1234, Data: []byte("start")},
		{Op: OpDisconnect, Port: 1234},
		{Op: OpKill},
	}
	for _, cmd := range cmds {
		if err := d.Send(ctx, cmd); err != nil {
			t.Fatalf("Send(%v): %v", cmd.Op, err)
		}
	}

	want := []string{"start", "connect:1234", "send:1234:start", "disconnect:1234", "kill"}
	waitFor(t, func() bool { return len(fb.callList()) == len(want) })

	got := fb.callList()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVsockRecvDeliversToWaiter(t *testing.T) {
	fb := newFakeBackend()
	fb.recvData[1234] = []byte("guest says hi")
	d := startDispatcher(t, fb)

	ch, cancel := d.Expect(1234)
	defer cancel()

	if err := d.Send(context.Background(), Command{Op: OpVsockRecv, Port: 1234}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-ch:
		if r.Port != 1234 {
			t.Errorf("reply port = %d, want 1234", r.Port)
		}
		if string(r.Data) != "guest says hi" {
			t.Errorf("reply data = %q", r.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestConcurrentWaitersGetOwnReplies(t *testing.T) {
	fb := newFakeBackend()
	fb.recvData[1234] = []byte("for-1234")
	fb.recvData[1235] = []byte("for-1235")
	d := startDispatcher(t, fb)

	ch1, cancel1 := d.Expect(1234)
	defer cancel1()
	ch2, cancel2 := d.Expect(1235)
	defer cancel2()

	// Enqueue in reverse of the waiter registration order: delivery is keyed
	// by port, not FIFO.
	ctx := context.Background()
	if err := d.Send(ctx, Command{Op: OpVsockRecv, Port: 1235}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.Send(ctx, Command{Op: OpVsockRecv, Port: 1234}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for range 2 {
		select {
		case r := <-ch1:
			if string(r.Data) != "for-1234" {
				t.Errorf("waiter 1234 got %q", r.Data)
			}
		case r := <-ch2:
			if string(r.Data) != "for-1235" {
				t.Errorf("waiter 1235 got %q", r.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("replies not delivered")
		}
	}
}

func TestReplyWithoutWaiterIsDropped(t *testing.T) {
	fb := newFakeBackend()
	fb.recvData[77] = []byte("orphan")
	d := startDispatcher(t, fb)
	ctx := context.Background()

	if err := d.Send(ctx, Command{Op: OpVsockRecv, Port: 77}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The loop must stay alive: a follow-up command still executes.
	if err := d.Send(ctx, Command{Op: OpStart}); err != nil {
		t.Fatalf("Send after orphan reply: %v", err)
	}
	waitFor(t, func() bool {
		calls := fb.callList()
		return len(calls) == 2 && calls[1] == "start"
	})
}

func TestBackendFailureTerminatesLoop(t *testing.T) {
	fb := newFakeBackend()
	fb.failOn = "connect:1234"
	fb.failErr = errors.New("hypervisor exploded")

	d := NewDispatcher(fb, testLogger())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	if err := d.Send(context.Background(), Command{Op: OpConnect, Port: 1234}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after backend failure")
	}

	if err := d.Err(); !errors.Is(err, fb.failErr) {
		t.Errorf("Err() = %v, want %v", err, fb.failErr)
	}
	if err := <-runErr; !errors.Is(err, fb.failErr) {
		t.Errorf("Run() = %v, want %v", err, fb.failErr)
	}

	// Future sends fail fast with a distinguishable error.
	err := d.Send(context.Background(), Command{Op: OpStart})
	if !errors.Is(err, protocol.ErrBackendUnavailable) {
		t.Errorf("Send after failure = %v, want ErrBackendUnavailable", err)
	}
}

func TestStopTerminatesCleanly(t *testing.T) {
	fb := newFakeBackend()
	d := NewDispatcher(fb, testLogger())
	go d.Run()

	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
	if err := d.Err(); err != nil {
		t.Errorf("Err() after Stop = %v, want nil", err)
	}
}

func TestSendHonorsContextWhenQueueFull(t *testing.T) {
	fb := newFakeBackend()
	// No Run goroutine: the queue fills and stays full.
	d := NewDispatcher(fb, testLogger())

	for range DefaultQueueDepth {
		if err := d.Send(context.Background(), Command{Op: OpStart}); err != nil {
			t.Fatalf("fill Send: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Send(ctx, Command{Op: OpStart})
	if !errors.Is(err, protocol.ErrVMCommandFailed) {
		t.Errorf("Send on full queue = %v, want ErrVMCommandFailed", err)
	}
}

func TestExpectCancelReleasesWaiter(t *testing.T) {
	fb := newFakeBackend()
	fb.recvData[42] = []byte("late")
	d := startDispatcher(t, fb)

	_, cancel := d.Expect(42)
	cancel()

	// The reply finds no waiter and is dropped without blocking the loop.
	if err := d.Send(context.Background(), Command{Op: OpVsockRecv, Port: 42}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.Send(context.Background(), Command{Op: OpStart}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(fb.callList()) == 2 })
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
