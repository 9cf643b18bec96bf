package types

import (
	"context"
	"os"

	"github.com/ferretsec/ferret/queue"
)

// DummyModule is a synthetic producer used to tag events that have no real
// producer, such as the TARGET module attached to seed events. It is never
// registered with the scan and silently discards anything queued to it.
type DummyModule struct {
	name       string
	moduleType string
	outgoing   *queue.Shuffle[*Envelope]
}

// NewDummyModule creates a synthetic module with the given name and type.
func NewDummyModule(name, moduleType string) *DummyModule {
	return &DummyModule{
		name:       name,
		moduleType: moduleType,
		outgoing:   queue.NewShuffle[*Envelope](),
	}
}

func (d *DummyModule) Name() string       { return d.name }
func (d *DummyModule) ModuleType() string { return d.moduleType }
func (d *DummyModule) Priority() int      { return 5 }
func (d *DummyModule) Hook() bool         { return false }

func (d *DummyModule) SuppressDupes() bool { return true }
func (d *DummyModule) AcceptDupes() bool   { return false }

func (d *DummyModule) OutgoingDedupHash(*Event) (uint64, bool) { return 0, false }
func (d *DummyModule) IsGraphImportant(*Event) bool            { return false }

func (d *DummyModule) QueueEvent(context.Context, *Event) error { return nil }
func (d *DummyModule) OutgoingQueue() *queue.Shuffle[*Envelope] { return d.outgoing }

func (d *DummyModule) SetErrorState(string, bool) {}
func (d *DummyModule) Errored() bool              { return false }
func (d *DummyModule) Finished() bool             { return true }
func (d *DummyModule) Running() bool              { return false }

func (d *DummyModule) Status() ModuleStatus {
	return ModuleStatus{Name: d.name}
}

func (d *DummyModule) MemoryUsage() int64       { return 0 }
func (d *DummyModule) Processes() []*os.Process { return nil }
func (d *DummyModule) CancelTasks()             {}

var _ Module = (*DummyModule)(nil)
