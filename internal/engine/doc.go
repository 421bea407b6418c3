// Package engine owns the command dispatch loop: the single execution context
// allowed to touch the guest control backend. Lifecycle handlers enqueue
// commands; the loop drains them serially, in order, one backend call per
// command. Guest payloads produced by receive commands are delivered to the
// waiter registered for the port, so concurrent requests never steal each
// other's replies.
package engine
