// Package adapter defines the downstream publication boundary.
//
// Adapters publish externally-reported discovery events to downstream
// systems. The scan owns adapter lifecycle; users provide configuration
// only. Internal events never reach an adapter.
package adapter

import (
	"context"
	"time"

	"github.com/ferretsec/ferret/types"
)

// EventRecord is the payload published for each reported event.
type EventRecord struct {
	ScanID        string   `json:"scan_id" msgpack:"scan_id"`
	ScanName      string   `json:"scan_name" msgpack:"scan_name"`
	EventID       string   `json:"event_id" msgpack:"event_id"`
	Type          string   `json:"type" msgpack:"type"`
	Data          string   `json:"data" msgpack:"data"`
	Host          string   `json:"host,omitempty" msgpack:"host,omitempty"`
	ScopeDistance int      `json:"scope_distance" msgpack:"scope_distance"`
	Tags          []string `json:"tags,omitempty" msgpack:"tags,omitempty"`
	Module        string   `json:"module" msgpack:"module"`
	SourceID      string   `json:"source_id,omitempty" msgpack:"source_id,omitempty"`
	Timestamp     string   `json:"timestamp" msgpack:"timestamp"` // ISO 8601
}

// Adapter publishes event records to a downstream system.
type Adapter interface {
	// Publish sends one event record to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, record *EventRecord) error

	// Close releases adapter resources.
	Close() error
}

// RecordFromEvent builds the publication payload for an event.
func RecordFromEvent(scanID, scanName string, e *types.Event) *EventRecord {
	record := &EventRecord{
		ScanID:        scanID,
		ScanName:      scanName,
		EventID:       e.ID,
		Type:          e.Type,
		Data:          e.Data,
		Host:          e.Host,
		ScopeDistance: e.ScopeDistance(),
		Tags:          e.Tags(),
		Module:        e.ModuleName(),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339),
	}
	if e.Source != nil {
		record.SourceID = e.Source.ID
	}
	return record
}
