// Package backend defines the guest control backend contract: the opaque
// hypervisor handle that owns the daemon's single virtual machine and carries
// raw bytes to per-container vsock ports. Every call may block in native code,
// so exactly one goroutine (the engine's dispatch loop) may hold a Backend.
package backend

// Backend operates the one VM instance behind a vesseld process.
type Backend interface {
	// Start boots the virtual machine.
	Start() error

	// Kill forcibly stops the virtual machine.
	Kill() error

	// Connect opens the guest control channel addressed by the vsock port.
	Connect(port uint32) error

	// Disconnect closes the channel previously opened for the port.
	Disconnect(port uint32) error

	// VsockSend writes one payload to the guest endpoint behind the port.
	VsockSend(port uint32, data []byte) error

	// VsockRecv reads one payload from the guest endpoint behind the port.
	VsockRecv(port uint32) ([]byte, error)

	// Close releases all backend resources. Called once on daemon shutdown.
	Close() error
}

// PidReporter is an optional capability: backends that know the VM's host
// process ID implement it, and the state operation reports the value. Backends
// without it leave the pid field null.
type PidReporter interface {
	Pid() (int32, bool)
}
