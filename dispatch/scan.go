// Package dispatch implements the scan event dispatcher: the central
// coordinator that merges events from concurrently-running modules,
// deduplicates them, evaluates scope, and fans them out to consumers.
package dispatch

import "github.com/ferretsec/ferret/types"

// Scan is the dispatcher's view of the scan that owns it.
type Scan interface {
	// Name is the scan's human-readable name.
	Name() string
	// Stopped reports whether the scan has been told to stop.
	Stopped() bool
	// FinishedInit reports whether seeding has completed.
	FinishedInit() bool
	// MarkFinishedInit records that seeding has completed. Write-once.
	MarkFinishedInit()

	// ScopeReportDistance is the maximum scope distance reported externally.
	ScopeReportDistance() int
	// DNSResolution reports whether DNS resolution is enabled for the scan.
	DNSResolution() bool

	// Modules returns all registered modules in registration order.
	Modules() []types.Module
	// Module looks a module up by name.
	Module(name string) (types.Module, bool)

	// RootEvent is the synthetic event at the root of the lineage DAG.
	RootEvent() *types.Event
	// TargetEvents are the scan's seed events.
	TargetEvents() []*types.Event
	// MakeDummyModule creates a synthetic producer module.
	MakeDummyModule(name, moduleType string) types.Module

	// Whitelisted reports whether the event's host matches the scan target.
	Whitelisted(e *types.Event) bool
	// Blacklisted reports whether the event's host is excluded from the scan.
	Blacklisted(e *types.Event) bool

	// WordCloud is the statistical accumulator absorbing in-scope events.
	WordCloud() WordCloud
	// Stats is the scan's event statistics collector.
	Stats() Stats
}

// WordCloud absorbs in-scope events into a word frequency accumulator.
type WordCloud interface {
	AbsorbEvent(e *types.Event)
}

// Stats records per-type emission counts.
type Stats interface {
	EventEmitted(e *types.Event)
	EmittedByType() map[string]int64
}
