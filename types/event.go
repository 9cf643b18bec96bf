// Package types defines the core domain types of the scan engine: discovery
// events, the module contract, and emit options.
package types

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Event type constants for the types the engine itself produces. Modules may
// emit additional types.
const (
	EventTypeScan      = "SCAN"
	EventTypeDNSName   = "DNS_NAME"
	EventTypeIPAddress = "IP_ADDRESS"
	EventTypeIPRange   = "IP_RANGE"
	EventTypeURL       = "URL"
	EventTypeTarget    = "TARGET"
)

// TagBlacklisted marks an event that a module has already judged
// out-of-policy; the emit pipeline drops it without re-checking hosts.
const TagBlacklisted = "blacklisted"

// Event is the unit of discovery. Type and Data form the event's canonical
// identity, hashed once in NewEvent; the hash is not recomputed if Data is
// changed later (for example by an emit callback). Lineage and scope fields are
// mutated only by the dispatcher or by emit callbacks running inside it,
// and are guarded so status readers on other goroutines see consistent
// values.
type Event struct {
	// ID uniquely identifies this event instance within the scan.
	ID string
	// Type is the event type, e.g. DNS_NAME or URL.
	Type string
	// Data is the payload. Participates in equality.
	Data string
	// Host is the network identity used for scope matching, if any.
	Host string
	// Timestamp records when the event was created.
	Timestamp time.Time
	// Source is the parent event. Non-nil after initialization; seeds point
	// at the scan's root event.
	Source *Event
	// Module is the producer. Seeds carry the synthetic TARGET module.
	Module Module
	// AlwaysEmit bypasses report-distance internalization.
	AlwaysEmit bool
	// QuickEmit requests the fast path that skips callbacks and scope
	// re-evaluation. Honored only when no callbacks are attached.
	QuickEmit bool

	hash uint64

	mu                sync.Mutex
	tags              map[string]struct{}
	scopeDistance     int
	internal          bool
	dummy             bool
	graphImportant    bool
	modulePriority    int
	webSpiderDistance int
}

// NewEvent creates an event with the given identity and lineage. The scope
// distance starts one hop beyond the source's; the dispatcher re-derives it
// on queueing and may promote it to zero.
func NewEvent(eventType, data string, source *Event, module Module) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Module:    module,
		hash:      hashIdentity(eventType, data),
		tags:      make(map[string]struct{}),
	}
	if source != nil {
		e.scopeDistance = source.ScopeDistance() + 1
	}
	return e
}

func hashIdentity(eventType, data string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(eventType)
	_, _ = h.Write([]byte{0x00})
	_, _ = h.WriteString(data)
	return h.Sum64()
}

// Hash returns the 64-bit canonical identity fingerprint of (type, data).
func (e *Event) Hash() uint64 { return e.hash }

// Equal reports whether two events share the same canonical identity.
func (e *Event) Equal(other *Event) bool {
	return other != nil && e.hash == other.hash
}

// String renders the event as TYPE("data").
func (e *Event) String() string {
	return fmt.Sprintf("%s(%q)", e.Type, e.Data)
}

// ModuleName returns the producer module's name, or "" for orphan events.
func (e *Event) ModuleName() string {
	if e.Module == nil {
		return ""
	}
	return e.Module.Name()
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags[tag] = struct{}{}
}

// Tagged reports whether the event carries the given tag.
func (e *Event) Tagged(tag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tags[tag]
	return ok
}

// Tags returns a copy of the event's tag set.
func (e *Event) Tags() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	return out
}

// ScopeDistance returns the event's hop count from scope.
func (e *Event) ScopeDistance() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scopeDistance
}

// SetScopeDistance sets the event's hop count from scope.
func (e *Event) SetScopeDistance(d int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopeDistance = d
}

// Internal reports whether the event is withheld from external output.
func (e *Event) Internal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.internal
}

// SetInternal sets the internal flag.
func (e *Event) SetInternal(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.internal = v
}

// Dummy reports whether this is a scaffold event that must not be emitted.
func (e *Event) Dummy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dummy
}

// SetDummy sets the scaffold flag.
func (e *Event) SetDummy(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dummy = v
}

// GraphImportant reports whether the event must be preserved in the parent
// chain even when internal, and delivered regardless of dedup.
func (e *Event) GraphImportant() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graphImportant
}

// MarkGraphImportant sets the graph-important flag.
func (e *Event) MarkGraphImportant() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphImportant = true
}

// ModulePriority returns the event's effective queueing priority.
func (e *Event) ModulePriority() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modulePriority
}

// BumpModulePriority deprioritizes the event by the given amount.
func (e *Event) BumpModulePriority(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modulePriority += delta
}

// WebSpiderDistance returns the event's distance from a spidered page.
func (e *Event) WebSpiderDistance() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.webSpiderDistance
}

// SetWebSpiderDistance sets the spider distance.
func (e *Event) SetWebSpiderDistance(d int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.webSpiderDistance = d
}
