package types

import "context"

// AbortResult is the outcome of an AbortFunc: whether to veto the event and
// an optional human-readable reason for the verbose log.
type AbortResult struct {
	Abort  bool
	Reason string
}

// AbortFunc is a per-emit veto predicate. A returned error is absorbed and
// treated as "did not veto".
type AbortFunc func(ctx context.Context, e *Event) (AbortResult, error)

// SuccessFunc runs before distribution so it may mutate tags or data.
// A returned error is absorbed and treated as a no-op.
type SuccessFunc func(ctx context.Context, e *Event) error

// EmitOptions carries the optional per-emit callbacks and flags.
type EmitOptions struct {
	// AbortIf, when set, may veto the event before distribution.
	AbortIf AbortFunc
	// OnSuccess, when set, runs after the abort check and before distribution.
	OnSuccess SuccessFunc
	// Quick requests the fast path that skips scope re-evaluation and
	// callbacks. Ignored when callbacks are attached.
	Quick bool
}

// Callbacks reports whether any per-emit callback is attached.
func (o EmitOptions) Callbacks() bool {
	return o.AbortIf != nil || o.OnSuccess != nil
}
