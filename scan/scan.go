// Package scan wires the dispatcher, scope, modules, statistics, and word
// cloud into a runnable scan.
package scan

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferretsec/ferret/config"
	"github.com/ferretsec/ferret/dispatch"
	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/scope"
	"github.com/ferretsec/ferret/stats"
	"github.com/ferretsec/ferret/types"
	"github.com/ferretsec/ferret/wordcloud"
)

// activePollInterval is how often Run re-checks quiescence.
const activePollInterval = 100 * time.Millisecond

// Scan owns all per-scan state and drives the dispatcher's lifecycle.
type Scan struct {
	id   string
	name string
	cfg  *config.Config
	log  *log.Logger

	scope   *scope.Scope
	targets []*types.Event
	root    *types.Event

	modules       []types.Module
	modulesByName map[string]types.Module

	cloud      *wordcloud.Cloud
	statistics *stats.Collector
	dispatcher *dispatch.Dispatcher

	stopped      atomic.Bool
	finishedInit atomic.Bool
	running      atomic.Bool
}

// New creates a scan from the given configuration.
func New(cfg *config.Config, logger *log.Logger) (*Scan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("scan requires at least one target")
	}

	id := uuid.New().String()
	name := cfg.Name
	if name == "" {
		name = "SCAN:" + id[:8]
	}

	// The whitelist defaults to the targets themselves.
	whitelist := cfg.Whitelist
	if len(whitelist) == 0 {
		whitelist = cfg.Targets
	}
	sc, err := scope.New(whitelist, cfg.Blacklist)
	if err != nil {
		return nil, err
	}

	s := &Scan{
		id:            id,
		name:          name,
		cfg:           cfg,
		log:           logger.WithScanID(id),
		scope:         sc,
		modulesByName: make(map[string]types.Module),
		cloud:         wordcloud.New(),
		statistics:    stats.NewCollector(),
	}

	// The root event anchors the lineage DAG. It is its own source, which
	// precheck treats as a silent skip: it exists for lineage, not output.
	s.root = types.NewEvent(types.EventTypeScan, fmt.Sprintf("%s (%s)", name, id), nil, nil)
	s.root.Source = s.root
	s.root.Module = types.NewDummyModule("TARGET", types.EventTypeTarget)

	for _, t := range cfg.Targets {
		s.targets = append(s.targets, s.makeTargetEvent(t))
	}

	s.dispatcher = dispatch.New(s, s.log)
	return s, nil
}

// makeTargetEvent builds a seed event for one target entry.
func (s *Scan) makeTargetEvent(target string) *types.Event {
	eventType := types.EventTypeDNSName
	if _, err := netip.ParseAddr(target); err == nil {
		eventType = types.EventTypeIPAddress
	} else if _, err := netip.ParsePrefix(target); err == nil {
		eventType = types.EventTypeIPRange
	}
	e := types.NewEvent(eventType, target, s.root, nil)
	e.Host = target
	return e
}

// ID returns the scan's unique identifier.
func (s *Scan) ID() string { return s.id }

// Name returns the scan's human-readable name.
func (s *Scan) Name() string { return s.name }

// Dispatcher returns the scan's event dispatcher.
func (s *Scan) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// RegisterModule adds a module to the scan. Modules must be registered
// before Run.
func (s *Scan) RegisterModule(m types.Module) error {
	if s.running.Load() {
		return fmt.Errorf("cannot register module %q on a running scan", m.Name())
	}
	if _, exists := s.modulesByName[m.Name()]; exists {
		return fmt.Errorf("duplicate module name %q", m.Name())
	}
	s.modules = append(s.modules, m)
	s.modulesByName[m.Name()] = m
	return nil
}

// Stopped reports whether the scan has been told to stop.
func (s *Scan) Stopped() bool { return s.stopped.Load() }

// Stop tells the scan to wind down at the next opportunity.
func (s *Scan) Stop() { s.stopped.Store(true) }

// FinishedInit reports whether seeding has completed.
func (s *Scan) FinishedInit() bool { return s.finishedInit.Load() }

// MarkFinishedInit records that seeding has completed.
func (s *Scan) MarkFinishedInit() { s.finishedInit.Store(true) }

// ScopeReportDistance is the maximum scope distance reported externally.
func (s *Scan) ScopeReportDistance() int { return s.cfg.ScopeReportDistance }

// DNSResolution reports whether DNS resolution is enabled.
func (s *Scan) DNSResolution() bool { return s.cfg.DNSResolution }

// Modules returns all registered modules in registration order.
func (s *Scan) Modules() []types.Module {
	out := make([]types.Module, len(s.modules))
	copy(out, s.modules)
	return out
}

// Module looks a module up by name.
func (s *Scan) Module(name string) (types.Module, bool) {
	m, ok := s.modulesByName[name]
	return m, ok
}

// RootEvent is the synthetic event at the root of the lineage DAG.
func (s *Scan) RootEvent() *types.Event { return s.root }

// TargetEvents are the scan's seed events.
func (s *Scan) TargetEvents() []*types.Event { return s.targets }

// MakeDummyModule creates a synthetic producer module.
func (s *Scan) MakeDummyModule(name, moduleType string) types.Module {
	return types.NewDummyModule(name, moduleType)
}

// Whitelisted reports whether the event's host matches the scan target.
func (s *Scan) Whitelisted(e *types.Event) bool {
	return e != nil && e.Host != "" && s.scope.Whitelisted(e.Host)
}

// Blacklisted reports whether the event's host is excluded from the scan.
func (s *Scan) Blacklisted(e *types.Event) bool {
	return e != nil && e.Host != "" && s.scope.Blacklisted(e.Host)
}

// WordCloud is the statistical accumulator absorbing in-scope events.
func (s *Scan) WordCloud() dispatch.WordCloud { return s.cloud }

// Cloud returns the concrete word cloud for persistence and queries.
func (s *Scan) Cloud() *wordcloud.Cloud { return s.cloud }

// Stats is the scan's event statistics collector.
func (s *Scan) Stats() dispatch.Stats { return s.statistics }

// Statistics returns the concrete collector for the CLI summary.
func (s *Scan) Statistics() *stats.Collector { return s.statistics }

// startable is implemented by modules with their own worker.
type startable interface{ Start(ctx context.Context) }

// Summary is the final scan result surface for the CLI.
type Summary struct {
	ScanID        string
	ScanName      string
	TotalEmitted  int64
	EmittedByType map[string]int64
	WordCloudSize int
	Duration      time.Duration
}

// Run executes the scan to quiescence: start module workers, seed targets,
// run the dispatch loop, report status periodically, then wind down and
// flush outputs. Returns the scan summary.
func (s *Scan) Run(ctx context.Context) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("scan already running")
	}
	start := time.Now()

	if s.cfg.WordCloudPath != "" {
		if err := s.cloud.Load(s.cfg.WordCloudPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to load word cloud", zap.Error(err))
		}
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	for _, m := range s.modules {
		if st, ok := m.(startable); ok {
			st.Start(workerCtx)
		}
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.dispatcher.Worker(workerCtx)
	}()

	s.log.Info("scan starting",
		zap.Int("targets", len(s.targets)),
		zap.Int("modules", len(s.modules)))

	if err := s.dispatcher.InitEvents(ctx); err != nil {
		s.Stop()
		cancelWorker()
		<-workerDone
		return nil, fmt.Errorf("seeding failed: %w", err)
	}

	statusInterval := s.cfg.StatusInterval.Duration
	if statusInterval <= 0 {
		statusInterval = 15 * time.Second
	}
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			break poll
		case <-statusTicker.C:
			s.dispatcher.ModulesStatus(true)
		case <-time.After(activePollInterval):
			if s.Stopped() {
				break poll
			}
			if s.FinishedInit() && !s.dispatcher.Active() {
				break poll
			}
		}
	}

	s.Stop()
	cancelWorker()
	<-workerDone
	s.shutdownModules()

	if s.cfg.WordCloudPath != "" {
		if err := s.cloud.Save(s.cfg.WordCloudPath); err != nil {
			s.log.Warn("failed to save word cloud", zap.Error(err))
		}
	}

	summary := &Summary{
		ScanID:        s.id,
		ScanName:      s.name,
		TotalEmitted:  s.statistics.TotalEmitted(),
		EmittedByType: s.statistics.EmittedByType(),
		WordCloudSize: s.cloud.Len(),
		Duration:      time.Since(start),
	}
	s.log.Info("scan finished",
		zap.Int64("events_emitted", summary.TotalEmitted),
		zap.Duration("duration", summary.Duration))
	return summary, ctx.Err()
}

// shutdownModules stops every module worker and closes closers.
func (s *Scan) shutdownModules() {
	for _, m := range s.modules {
		if closer, ok := m.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.log.Warn("module close failed",
					zap.String("module", m.Name()),
					zap.Error(err))
			}
			continue
		}
		m.CancelTasks()
	}
}
