package types

import (
	"context"
	"os"

	"github.com/ferretsec/ferret/queue"
)

// Module is the contract between the dispatcher and a producer/consumer
// module. Module implementations live outside the dispatcher; it only reads
// these attributes and calls these methods.
type Module interface {
	// Name identifies the module within the scan.
	Name() string
	// ModuleType is the module's kind, e.g. "scan", "output", "internal".
	ModuleType() string
	// Priority is 1 (highest) through 5 (lowest).
	Priority() int
	// Hook reports whether the module is part of the pre-dispatch hook chain.
	// Hook modules are excluded from normal fan-out.
	Hook() bool
	// SuppressDupes reports whether the module's own duplicate productions
	// should be dropped at precheck.
	SuppressDupes() bool
	// AcceptDupes reports whether scan-global duplicates should still be
	// delivered to this module.
	AcceptDupes() bool

	// OutgoingDedupHash computes a custom per-producer dedup key for an
	// event. ok is false when the module uses the default key.
	OutgoingDedupHash(e *Event) (hash uint64, ok bool)
	// IsGraphImportant reports whether this module must receive the event
	// regardless of dedup.
	IsGraphImportant(e *Event) bool

	// QueueEvent delivers an event into the module's incoming queue. The
	// module may apply its own backpressure; a *ValidationError return means
	// the event failed the module's schema.
	QueueEvent(ctx context.Context, e *Event) error
	// OutgoingQueue is the queue the dispatcher drains for the module's
	// productions.
	OutgoingQueue() *queue.Shuffle[*Envelope]

	// SetErrorState forces the module into the errored state, optionally
	// discarding its outgoing queue.
	SetErrorState(message string, clearOutgoing bool)
	// Errored reports whether the module is in the errored state.
	Errored() bool
	// Finished reports whether the module has no queued or in-flight work.
	Finished() bool
	// Running reports whether the module has in-flight work.
	Running() bool
	// Status returns an introspection snapshot.
	Status() ModuleStatus
	// MemoryUsage estimates the module's queued-data footprint in bytes.
	MemoryUsage() int64
	// Processes returns subprocesses tracked by the module.
	Processes() []*os.Process
	// CancelTasks cancels the module's outstanding work synchronously.
	CancelTasks()
}

// ModuleStatus is a point-in-time introspection snapshot of one module.
// Queue sizes are estimates; see the shuffle queue's Len contract.
type ModuleStatus struct {
	Name          string
	Running       bool
	Errored       bool
	IncomingQSize int
	OutgoingQSize int
	Tasks         int
}

// Envelope pairs an event with its emit options while queued between a
// producer module and the dispatcher.
type Envelope struct {
	Event   *Event
	Options EmitOptions
}
