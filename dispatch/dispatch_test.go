package dispatch

import (
	"context"
	"os"
	"sync"

	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/queue"
	"github.com/ferretsec/ferret/stats"
	"github.com/ferretsec/ferret/types"
)

// stubModule records everything the dispatcher does to it.
type stubModule struct {
	name           string
	priority       int
	hook           bool
	emitDupes      bool
	acceptDupes    bool
	graphImportant func(*types.Event) bool
	customHash     func(*types.Event) (uint64, bool)

	outgoing *queue.Shuffle[*types.Envelope]

	mu           sync.Mutex
	received     []*types.Event
	queueErr     error
	errored      bool
	errorCalls   int
	clearCalls   int
	cancelCalls  int
	incomingSize int
	running      bool
	finished     bool
}

func newStubModule(name string, priority int) *stubModule {
	return &stubModule{
		name:     name,
		priority: priority,
		outgoing: queue.NewShuffle[*types.Envelope](),
		finished: true,
	}
}

func (m *stubModule) Name() string        { return m.name }
func (m *stubModule) ModuleType() string  { return "scan" }
func (m *stubModule) Priority() int       { return m.priority }
func (m *stubModule) Hook() bool          { return m.hook }
func (m *stubModule) SuppressDupes() bool { return !m.emitDupes }
func (m *stubModule) AcceptDupes() bool   { return m.acceptDupes }

func (m *stubModule) OutgoingDedupHash(e *types.Event) (uint64, bool) {
	if m.customHash != nil {
		return m.customHash(e)
	}
	return 0, false
}

func (m *stubModule) IsGraphImportant(e *types.Event) bool {
	if m.graphImportant != nil {
		return m.graphImportant(e)
	}
	return false
}

func (m *stubModule) QueueEvent(_ context.Context, e *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		return m.queueErr
	}
	m.received = append(m.received, e)
	return nil
}

func (m *stubModule) Received() []*types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Event, len(m.received))
	copy(out, m.received)
	return out
}

func (m *stubModule) OutgoingQueue() *queue.Shuffle[*types.Envelope] { return m.outgoing }

func (m *stubModule) SetErrorState(_ string, clearOutgoing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored = true
	m.errorCalls++
	if clearOutgoing {
		m.clearCalls++
		m.outgoing.Clear()
	}
}

func (m *stubModule) Errored() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errored
}

func (m *stubModule) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *stubModule) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *stubModule) Status() types.ModuleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.ModuleStatus{
		Name:          m.name,
		Running:       m.running,
		Errored:       m.errored,
		IncomingQSize: m.incomingSize,
		OutgoingQSize: m.outgoing.Len(),
	}
}

func (m *stubModule) MemoryUsage() int64       { return 0 }
func (m *stubModule) Processes() []*os.Process { return nil }

func (m *stubModule) CancelTasks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
}

var _ types.Module = (*stubModule)(nil)

// stubCloud records absorbed events.
type stubCloud struct {
	mu       sync.Mutex
	absorbed []*types.Event
}

func (c *stubCloud) AbsorbEvent(e *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.absorbed = append(c.absorbed, e)
}

func (c *stubCloud) Absorbed() []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Event, len(c.absorbed))
	copy(out, c.absorbed)
	return out
}

// stubScan is a minimal Scan implementation for dispatcher tests.
type stubScan struct {
	mu             sync.Mutex
	stopped        bool
	finishedInit   bool
	reportDistance int
	dns            bool
	mods           []types.Module
	root           *types.Event
	targets        []*types.Event
	whitelist      map[string]bool
	blacklist      map[string]bool
	cloud          *stubCloud
	st             *stats.Collector
}

func newStubScan(mods ...types.Module) *stubScan {
	root := types.NewEvent(types.EventTypeScan, "test scan", nil, nil)
	root.Source = root
	root.Module = types.NewDummyModule("TARGET", types.EventTypeTarget)
	return &stubScan{
		mods:      mods,
		root:      root,
		whitelist: make(map[string]bool),
		blacklist: make(map[string]bool),
		cloud:     &stubCloud{},
		st:        stats.NewCollector(),
	}
}

func (s *stubScan) Name() string { return "test scan" }

func (s *stubScan) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *stubScan) setStopped(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = v
}

func (s *stubScan) FinishedInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedInit
}

func (s *stubScan) MarkFinishedInit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedInit = true
}

func (s *stubScan) ScopeReportDistance() int { return s.reportDistance }
func (s *stubScan) DNSResolution() bool      { return s.dns }

func (s *stubScan) Modules() []types.Module { return s.mods }

func (s *stubScan) Module(name string) (types.Module, bool) {
	for _, m := range s.mods {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

func (s *stubScan) RootEvent() *types.Event      { return s.root }
func (s *stubScan) TargetEvents() []*types.Event { return s.targets }

func (s *stubScan) MakeDummyModule(name, moduleType string) types.Module {
	return types.NewDummyModule(name, moduleType)
}

func (s *stubScan) Whitelisted(e *types.Event) bool {
	return e != nil && s.whitelist[e.Host]
}

func (s *stubScan) Blacklisted(e *types.Event) bool {
	return e != nil && s.blacklist[e.Host]
}

func (s *stubScan) WordCloud() WordCloud { return s.cloud }
func (s *stubScan) Stats() Stats         { return s.st }

var _ Scan = (*stubScan)(nil)

func newTestDispatcher(s *stubScan) *Dispatcher {
	return New(s, log.Nop())
}

// seedEvent builds an in-scope event parented to the scan's root.
func seedEvent(s *stubScan, eventType, data string, producer types.Module) *types.Event {
	e := types.NewEvent(eventType, data, s.root, producer)
	e.Host = data
	e.SetScopeDistance(0)
	return e
}
