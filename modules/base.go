// Package modules provides the scaffolding shared by scan modules and the
// built-in output modules.
package modules

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferretsec/ferret/helpers"
	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/queue"
	"github.com/ferretsec/ferret/types"
)

// pollInterval is how long a module worker sleeps when its incoming queue
// is empty.
const pollInterval = 100 * time.Millisecond

// ErrModuleErrored is returned by QueueEvent once a module is in the
// errored state.
var ErrModuleErrored = errors.New("module is in error state")

// Handler processes one delivered event. A *types.ValidationError return
// marks the event as failing the module's schema.
type Handler func(ctx context.Context, e *types.Event) error

// BaseConfig describes a module's static attributes.
type BaseConfig struct {
	// Name identifies the module within the scan.
	Name string
	// Type is the module kind, e.g. "scan", "output", "internal".
	Type string
	// Priority is 1 (highest) through 5 (lowest). Clamped into range.
	Priority int
	// Hook places the module in the pre-dispatch hook chain.
	Hook bool
	// AcceptDupes delivers scan-global duplicates to this module.
	AcceptDupes bool
	// EmitDupes disables per-producer duplicate suppression.
	EmitDupes bool
}

// Base implements the module contract around a per-event Handler.
// Concrete modules embed it.
type Base struct {
	cfg BaseConfig
	log *log.Logger

	handler  Handler
	incoming *queue.Shuffle[*types.Event]
	outgoing *queue.Shuffle[*types.Envelope]
	tasks    *helpers.TaskCounter

	mu       sync.Mutex
	errored  bool
	errorMsg string
	procs    []*os.Process
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// NewBase creates module scaffolding with the given attributes and handler.
func NewBase(cfg BaseConfig, logger *log.Logger, handler Handler) *Base {
	if cfg.Priority < 1 {
		cfg.Priority = 1
	}
	if cfg.Priority > 5 {
		cfg.Priority = 5
	}
	return &Base{
		cfg:      cfg,
		log:      logger.Named(cfg.Name),
		handler:  handler,
		incoming: queue.NewShuffle[*types.Event](),
		outgoing: queue.NewShuffle[*types.Envelope](),
		tasks:    helpers.NewTaskCounter(),
	}
}

func (b *Base) Name() string       { return b.cfg.Name }
func (b *Base) ModuleType() string { return b.cfg.Type }
func (b *Base) Priority() int      { return b.cfg.Priority }
func (b *Base) Hook() bool         { return b.cfg.Hook }

func (b *Base) SuppressDupes() bool { return !b.cfg.EmitDupes }
func (b *Base) AcceptDupes() bool   { return b.cfg.AcceptDupes }

// OutgoingDedupHash uses the default per-producer key.
func (b *Base) OutgoingDedupHash(*types.Event) (uint64, bool) { return 0, false }

// IsGraphImportant is false for non-output modules.
func (b *Base) IsGraphImportant(*types.Event) bool { return false }

// QueueEvent delivers an event into the module's incoming queue.
func (b *Base) QueueEvent(_ context.Context, e *types.Event) error {
	if b.Errored() {
		return ErrModuleErrored
	}
	b.incoming.Put(e)
	return nil
}

// OutgoingQueue is drained by the dispatcher.
func (b *Base) OutgoingQueue() *queue.Shuffle[*types.Envelope] { return b.outgoing }

// EmitEvent queues a produced event for the dispatcher to pick up.
func (b *Base) EmitEvent(e *types.Event, opts types.EmitOptions) {
	b.outgoing.Put(&types.Envelope{Event: e, Options: opts})
}

// Start launches the module worker. The worker drains the incoming queue
// and runs the handler for each event until ctx is canceled or the module
// errors.
func (b *Base) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.worker(workerCtx)
	}()
}

// Stop cancels the worker and waits for it to exit.
func (b *Base) Stop() {
	b.CancelTasks()
	b.wg.Wait()
}

func (b *Base) worker(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if b.Errored() {
			return
		}

		// The slot is taken before the pop so a popped event is never
		// invisible to the scan's quiescence detection.
		release := b.tasks.Count("poll_incoming()")
		e, err := b.incoming.GetNowait()
		if err != nil {
			release()
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		if b.handler != nil {
			if err := b.handler(ctx, e); err != nil {
				var verr *types.ValidationError
				if errors.As(err, &verr) {
					b.log.Warn("event failed validation", zap.Error(verr))
				} else {
					b.log.Error("handler failed",
						zap.Stringer("event", e),
						zap.Error(err))
				}
			}
		}
		release()
	}
}

// SetErrorState forces the module into the errored state. The incoming
// queue is always shed; clearOutgoing additionally discards queued output.
func (b *Base) SetErrorState(message string, clearOutgoing bool) {
	b.mu.Lock()
	already := b.errored
	b.errored = true
	if message != "" {
		b.errorMsg = message
	}
	b.mu.Unlock()

	if !already {
		if message == "" {
			message = "unknown error"
		}
		b.log.Warn("module setting error state", zap.String("reason", message))
	}

	dropped := b.incoming.Clear()
	if dropped > 0 {
		b.log.Debug("shed incoming queue", zap.Int("dropped", dropped))
	}
	if clearOutgoing {
		b.outgoing.Clear()
	}
}

// Errored reports whether the module is in the errored state.
func (b *Base) Errored() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errored
}

// ErrorMessage returns the reason recorded when the module errored.
func (b *Base) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorMsg
}

// Running reports whether the module has in-flight work.
func (b *Base) Running() bool {
	return b.tasks.Value() > 0
}

// Finished reports whether the module has no queued or in-flight work.
func (b *Base) Finished() bool {
	return !b.Running() && b.incoming.Len() == 0 && b.outgoing.Len() == 0
}

// Status returns a point-in-time introspection snapshot.
func (b *Base) Status() types.ModuleStatus {
	return types.ModuleStatus{
		Name:          b.cfg.Name,
		Running:       b.Running(),
		Errored:       b.Errored(),
		IncomingQSize: b.incoming.Len(),
		OutgoingQSize: b.outgoing.Len(),
		Tasks:         b.tasks.Value(),
	}
}

// MemoryUsage estimates the module's queued-data footprint in bytes.
func (b *Base) MemoryUsage() int64 {
	var total int64
	for _, e := range b.incoming.Snapshot() {
		total += int64(len(e.Data))
	}
	for _, env := range b.outgoing.Snapshot() {
		if env.Event != nil {
			total += int64(len(env.Event.Data))
		}
	}
	return total
}

// TrackProcess registers a subprocess so KillModule can interrupt it.
func (b *Base) TrackProcess(p *os.Process) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.procs = append(b.procs, p)
}

// Processes returns subprocesses tracked by the module.
func (b *Base) Processes() []*os.Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*os.Process, len(b.procs))
	copy(out, b.procs)
	return out
}

// CancelTasks cancels the module's worker synchronously.
func (b *Base) CancelTasks() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ types.Module = (*Base)(nil)
