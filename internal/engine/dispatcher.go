package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/vesselvm/vessel/internal/backend"
	"github.com/vesselvm/vessel/internal/protocol"
)

// Op identifies one guest control command.
type Op string

// Command operations, one per backend call.
const (
	OpStart      Op = "start"
	OpKill       Op = "kill"
	OpConnect    Op = "connect"
	OpDisconnect Op = "disconnect"
	OpVsockSend  Op = "vsock_send"
	OpVsockRecv  Op = "vsock_recv"
)

// Command is one unit of work for the dispatch loop. Port and Data are used
// only by the operations that need them.
type Command struct {
	Op   Op
	Port uint32
	Data []byte
}

// Reply is one guest payload produced by a receive command, delivered to the
// waiter registered for its port.
type Reply struct {
	Port uint32
	Data []byte
}

// DefaultQueueDepth is the command queue capacity. Senders block once the
// queue is full; that backpressure is deliberate.
const DefaultQueueDepth = 8

// Dispatcher owns the only handle to the guest control backend. Exactly one
// goroutine runs Run; everything else talks to it through Send and Expect.
type Dispatcher struct {
	backend backend.Backend
	logger  *slog.Logger
	cmds    chan Command
	quit    chan struct{}
	done    chan struct{}

	failOnce sync.Once
	stopOnce sync.Once
	err      error

	waitMu  sync.Mutex
	waiters map[uint32]chan Reply
}

// NewDispatcher creates a dispatcher around the backend. Run must be started
// on its own goroutine before any Send.
func NewDispatcher(b backend.Backend, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		backend: b,
		logger:  logger,
		cmds:    make(chan Command, DefaultQueueDepth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		waiters: make(map[uint32]chan Reply),
	}
}

// Run drains the command queue until Stop is called or a backend call fails.
// Backend calls may block in native hypervisor code, so the loop pins itself
// to an OS thread. A backend failure is fatal: the loop terminates, Done is
// closed, and the daemon is expected to exit rather than keep serving with a
// dead backend. There is no per-command retry.
func (d *Dispatcher) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-d.quit:
			d.fail(nil)
			return nil
		case cmd := <-d.cmds:
			if err := d.handle(cmd); err != nil {
				d.logger.Error("backend call failed, terminating dispatch loop",
					"op", string(cmd.Op),
					"port", cmd.Port,
					"error", err,
				)
				d.fail(err)
				return err
			}
		}
	}
}

// handle performs exactly one backend call for cmd.
func (d *Dispatcher) handle(cmd Command) error {
	switch cmd.Op {
	case OpStart:
		return d.backend.Start()
	case OpKill:
		return d.backend.Kill()
	case OpConnect:
		return d.backend.Connect(cmd.Port)
	case OpDisconnect:
		return d.backend.Disconnect(cmd.Port)
	case OpVsockSend:
		return d.backend.VsockSend(cmd.Port, cmd.Data)
	case OpVsockRecv:
		data, err := d.backend.VsockRecv(cmd.Port)
		if err != nil {
			return err
		}
		d.deliver(Reply{Port: cmd.Port, Data: data})
		return nil
	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

// Send enqueues a command. It blocks while the queue is full, and fails fast
// with ErrBackendUnavailable once the loop has terminated.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) error {
	select {
	case <-d.done:
		return protocol.ErrBackendUnavailable
	default:
	}

	select {
	case d.cmds <- cmd:
		return nil
	case <-d.done:
		return protocol.ErrBackendUnavailable
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", protocol.ErrVMCommandFailed, ctx.Err())
	}
}

// Expect registers a one-shot waiter for the next reply on port. It must be
// called before the VsockRecv command is enqueued. The returned cancel func
// releases the registration; calling it after delivery is harmless.
func (d *Dispatcher) Expect(port uint32) (<-chan Reply, func()) {
	ch := make(chan Reply, 1)

	d.waitMu.Lock()
	d.waiters[port] = ch
	d.waitMu.Unlock()

	cancel := func() {
		d.waitMu.Lock()
		if d.waiters[port] == ch {
			delete(d.waiters, port)
		}
		d.waitMu.Unlock()
	}
	return ch, cancel
}

// deliver hands a reply to the waiter registered for its port. A reply with no
// waiter is dropped; the requester gave up or never registered.
func (d *Dispatcher) deliver(r Reply) {
	d.waitMu.Lock()
	ch, ok := d.waiters[r.Port]
	if ok {
		delete(d.waiters, r.Port)
	}
	d.waitMu.Unlock()

	if !ok {
		d.logger.Warn("dropping guest reply with no waiter", "port", r.Port, "bytes", len(r.Data))
		return
	}
	ch <- r
}

// Done is closed when the dispatch loop has terminated, for any reason.
// In-flight and future requests observe it and fail fast.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the backend error that terminated the loop, or nil after a
// clean Stop. Valid once Done is closed.
func (d *Dispatcher) Err() error {
	<-d.done
	return d.err
}

// Stop asks the loop to exit after the command it is currently executing.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

func (d *Dispatcher) fail(err error) {
	d.failOnce.Do(func() {
		d.err = err
		close(d.done)
	})
}
