package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferretsec/ferret/helpers"
	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/queue"
	"github.com/ferretsec/ferret/types"
)

// pollInterval is how long the worker loop sleeps when every queue is empty.
const pollInterval = 100 * time.Millisecond

// ingressWeight is the fixed pickup weight of the shared ingress queue.
const ingressWeight = 5

// Dispatcher coordinates the flow of discovery events between modules
// during a scan: deduplication, scope evaluation, policy checks, and
// fan-out. Every event produced by any module passes through it.
type Dispatcher struct {
	scan Scan
	log  *log.Logger

	incoming *queue.Shuffle[*types.Envelope]
	dedup    *dedupTracker
	tasks    *helpers.TaskCounter

	dnsResolution bool

	// Module views are computed once on first use; modules are registered
	// before the dispatcher starts.
	viewOnce        sync.Once
	byPriority      []types.Module
	hookModules     []types.Module
	nonHookModules  []types.Module
	pickupQueues    []*queue.Shuffle[*types.Envelope]
	priorityWeights []float64
}

// New creates a dispatcher for the given scan.
func New(scan Scan, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		scan:          scan,
		log:           logger.Named("dispatch"),
		incoming:      queue.NewShuffle[*types.Envelope](),
		dedup:         newDedupTracker(),
		tasks:         helpers.NewTaskCounter(),
		dnsResolution: scan.DNSResolution(),
	}
}

func (d *Dispatcher) buildViews() {
	d.viewOnce.Do(func() {
		mods := d.scan.Modules()
		d.byPriority = make([]types.Module, len(mods))
		copy(d.byPriority, mods)
		sort.SliceStable(d.byPriority, func(i, j int) bool {
			return d.byPriority[i].Priority() < d.byPriority[j].Priority()
		})

		for _, m := range d.byPriority {
			if m.Hook() {
				d.hookModules = append(d.hookModules, m)
			} else {
				d.nonHookModules = append(d.nonHookModules, m)
			}
		}

		// The shared ingress participates in pickup with a fixed weight;
		// module weights invert priority so priority 1 draws most often.
		d.pickupQueues = []*queue.Shuffle[*types.Envelope]{d.incoming}
		d.priorityWeights = []float64{ingressWeight}
		for _, m := range d.nonHookModules {
			d.pickupQueues = append(d.pickupQueues, m.OutgoingQueue())
			d.priorityWeights = append(d.priorityWeights, float64(6-m.Priority()))
		}
	})
}

// HookModules returns the pre-dispatch hook chain ordered by priority.
func (d *Dispatcher) HookModules() []types.Module {
	d.buildViews()
	return d.hookModules
}

// NonHookModules returns the fan-out targets ordered by priority.
func (d *Dispatcher) NonHookModules() []types.Module {
	d.buildViews()
	return d.nonHookModules
}

// Worker runs the dispatch loop until the scan stops or ctx is canceled.
// May be run with multiplicity greater than one.
func (d *Dispatcher) Worker(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Critical("worker loop panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	for !d.scan.Stopped() {
		// The get slot stays held until the emit slot exists, so an event
		// in hand is never invisible to quiescence detection.
		releaseGet := d.tasks.Count("get_event_from_modules()")
		env, err := d.nextEvent()
		if err != nil {
			releaseGet()
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		releaseEmit := d.tasks.Count(fmt.Sprintf("emit_event(%s)", env.Event))
		releaseGet()
		d.EmitEvent(ctx, env.Event, env.Options)
		releaseEmit()
	}
}

// nextEvent obtains one queued event. If hook modules are configured the
// last (lowest priority) hook is the sole upstream; otherwise the weighted
// pickup policy runs across the ingress and all module outgoing queues.
func (d *Dispatcher) nextEvent() (*types.Envelope, error) {
	d.buildViews()

	if len(d.hookModules) > 0 {
		last := d.hookModules[len(d.hookModules)-1]
		return last.OutgoingQueue().GetNowait()
	}
	return d.getEventFromModules()
}

// getEventFromModules draws queues without replacement with probability
// proportional to weight and returns the first non-empty queue's head.
func (d *Dispatcher) getEventFromModules() (*types.Envelope, error) {
	d.buildViews()
	for _, q := range helpers.WeightedShuffle(d.pickupQueues, d.priorityWeights) {
		env, err := q.GetNowait()
		if err == nil {
			return env, nil
		}
	}
	return nil, queue.ErrEmpty
}

// InitEvents seeds the scan: target events sorted by payload length
// ascending, prefixed by the root event, are forced in-scope and fed to the
// first hook module if hooks exist, or directly onto the shared ingress.
// Seeding bypasses QueueEvent so the forced scope distance survives.
func (d *Dispatcher) InitEvents(ctx context.Context) error {
	d.buildViews()

	release := d.tasks.Count("init_events()")
	defer release()

	targets := make([]*types.Event, len(d.scan.TargetEvents()))
	copy(targets, d.scan.TargetEvents())
	sort.SliceStable(targets, func(i, j int) bool {
		return len(targets[i].Data) < len(targets[j].Data)
	})

	seeds := append([]*types.Event{d.scan.RootEvent()}, targets...)
	for _, event := range seeds {
		event.SetDummy(false)
		event.SetScopeDistance(0)
		event.SetWebSpiderDistance(0)
		if event.Source == nil {
			event.Source = d.scan.RootEvent()
		}
		if event.Module == nil {
			event.Module = d.scan.MakeDummyModule("TARGET", types.EventTypeTarget)
		}
		d.log.Verbose("target", zap.Stringer("event", event))

		if len(d.hookModules) > 0 {
			first := d.hookModules[0]
			if err := first.QueueEvent(ctx, event); err != nil {
				return fmt.Errorf("seeding hook module %s: %w", first.Name(), err)
			}
		} else {
			d.incoming.Put(&types.Envelope{Event: event})
		}
	}

	// Settle briefly before declaring init complete so hook modules can
	// begin draining. The exact duration is unspecified.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
	}
	d.scan.MarkFinishedInit()
	return nil
}

// QueueEvent is the dispatcher's own ingress. Events that are likely out of
// scope are deprioritized, the scope distance is derived from the parent,
// and the event lands on the shared ingress queue.
func (d *Dispatcher) QueueEvent(e *types.Event, opts types.EmitOptions) {
	if e == nil {
		return
	}
	if e.ScopeDistance() > 0 {
		inScope := d.scan.Whitelisted(e) && !d.scan.Blacklisted(e)
		if !inScope {
			e.BumpModulePriority(e.ScopeDistance())
		}
	}
	if e.Source != nil {
		e.SetScopeDistance(e.Source.ScopeDistance() + 1)
	}
	d.incoming.Put(&types.Envelope{Event: e, Options: opts})
}

// EmitEvent runs the emit pipeline for one event: precheck, then either the
// quick path straight to distribution, or the slow path with scope
// shepherding and callbacks.
func (d *Dispatcher) EmitEvent(ctx context.Context, e *types.Event, opts types.EmitOptions) {
	quick := (opts.Quick || e.QuickEmit) && !opts.Callbacks()

	if !d.eventPrecheck(e) {
		return
	}

	d.log.Debug("module raised event",
		zap.String("module", e.ModuleName()),
		zap.Stringer("event", e))

	if quick {
		d.log.Debug("quick-emitting", zap.Stringer("event", e))
		d.absorb("distribute_event", func() error {
			return d.distributeEvent(ctx, e)
		})
		return
	}

	d.absorb("emit_event", func() error {
		return d.emitEvent(ctx, e, opts)
	})
}

// eventPrecheck rejects events that can be skipped before expensive work:
// dummies, self-parented events, and per-producer duplicates. On acceptance
// the incoming fingerprint is recorded. Graph-important events bypass the
// dedup check entirely.
func (d *Dispatcher) eventPrecheck(e *types.Event) bool {
	if e.Dummy() {
		d.log.Warn("cannot emit dummy event", zap.Stringer("event", e))
		return false
	}
	if e.Equal(e.Source) {
		d.log.Debug("skipping event with self as source", zap.Stringer("event", e))
		return false
	}
	if e.GraphImportant() {
		return true
	}
	if d.dedup.isIncomingDuplicate(e, true) {
		d.log.Debug("skipping event already emitted by its module", zap.Stringer("event", e))
		return false
	}
	return true
}

// emitEvent is the slow path: blacklist rejection, whitelist scope
// promotion, the abort check, the success callback, then distribution.
func (d *Dispatcher) emitEvent(ctx context.Context, e *types.Event, opts types.EmitOptions) error {
	d.log.Debug("emitting", zap.Stringer("event", e))

	if d.scan.Blacklisted(e) || e.Tagged(types.TagBlacklisted) {
		d.log.Debug("omitting blacklisted event", zap.Stringer("event", e))
		return nil
	}

	// Scope shepherding: in-scope events get their proper scope distance.
	if e.Host != "" && d.scan.Whitelisted(e) {
		d.log.Debug("making event in-scope, matches scan target", zap.Stringer("event", e))
		e.SetScopeDistance(0)
	}

	if opts.AbortIf != nil {
		var result types.AbortResult
		d.absorb("abort_if", func() error {
			var err error
			result, err = opts.AbortIf(ctx, e)
			return err
		})
		if result.Abort {
			d.log.Verbose("not raising event due to custom criteria in abort_if",
				zap.String("module", e.ModuleName()),
				zap.Stringer("event", e),
				zap.String("reason", result.Reason))
			return nil
		}
	}

	// The success callback runs before distribution so it can add tags.
	if opts.OnSuccess != nil {
		d.absorb("on_success_callback", func() error {
			return opts.OnSuccess(ctx, e)
		})
	}

	return d.distributeEvent(ctx, e)
}

// absorb runs fn inside a failure-absorbing scope: validation failures are
// logged at warning level, anything else at error level, and the pipeline
// continues either way.
func (d *Dispatcher) absorb(where string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		d.log.Warn("event validation failed",
			zap.String("context", where),
			zap.Error(verr),
			zap.ByteString("stack", debug.Stack()))
		return
	}
	d.log.Error("absorbed failure",
		zap.String("context", where),
		zap.Error(err))
}

// KillModule forces a module to error, discards its queued output, signals
// an interrupt to its tracked subprocesses, and cancels its outstanding
// work synchronously.
func (d *Dispatcher) KillModule(name, message string) {
	mod, ok := d.scan.Module(name)
	if !ok {
		return
	}
	mod.SetErrorState(message, true)
	for _, proc := range mod.Processes() {
		_ = proc.Signal(os.Interrupt)
	}
	mod.CancelTasks()
}
