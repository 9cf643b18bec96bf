package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ferretsec/ferret/types"
)

// distributeEvent tags an accepted event as internal or reportable,
// preserves the parent chain of interesting discoveries, applies the
// scan-global dedup, feeds the word cloud, and fans the event out to every
// non-hook module.
func (d *Dispatcher) distributeEvent(ctx context.Context, e *types.Event) error {
	d.buildViews()

	// Make the event internal if it's above the configured report distance.
	reportDistance := d.scan.ScopeReportDistance()
	inReportDistance := e.ScopeDistance() <= reportDistance
	willOutput := e.AlwaysEmit || inReportDistance
	if !willOutput {
		d.log.Debug("making event internal, beyond scope report distance",
			zap.Stringer("event", e),
			zap.Int("scope_distance", e.ScopeDistance()),
			zap.Int("scope_report_distance", reportDistance))
		e.SetInternal(true)
	}

	// If we discovered something interesting from an internal event, make
	// sure we preserve its chain of parents. Promotion cascades: precheck
	// admits graph-important events regardless of dedup, so the re-queued
	// parent retraces the chain upward.
	source := e.Source
	if source != nil && source.Internal() && (!e.Internal() || e.GraphImportant()) {
		if source.ScopeDistance() <= reportDistance {
			source.SetInternal(false)
		}
		if !source.GraphImportant() {
			source.MarkGraphImportant()
			d.log.Debug("re-queuing internal event to preserve parent chain",
				zap.Stringer("source", source),
				zap.Stringer("event", e))
			d.QueueEvent(source, types.EmitOptions{})
		}
	}

	isDuplicate := d.dedup.isOutgoingDuplicate(e, true)
	if isDuplicate {
		d.log.Verbose("duplicate event",
			zap.String("module", e.ModuleName()),
			zap.Stringer("event", e))
	} else {
		d.scan.Stats().EventEmitted(e)
	}

	// Absorb the event into the word cloud if it's in scope.
	if !isDuplicate && e.ScopeDistance() > -1 && e.ScopeDistance() < 1 {
		d.scan.WordCloud().AbsorbEvent(e)
	}

	var errs []error
	for _, mod := range d.nonHookModules {
		acceptableDup := !isDuplicate || mod.AcceptDupes()
		if !acceptableDup && !mod.IsGraphImportant(e) {
			continue
		}
		if err := mod.QueueEvent(ctx, e); err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				return err
			}
			errs = append(errs, err)
			d.log.Error("failed to queue event with module",
				zap.String("module", mod.Name()),
				zap.Stringer("event", e),
				zap.Error(err))
		}
	}
	return errors.Join(errs...)
}
