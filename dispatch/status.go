package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ferretsec/ferret/helpers"
)

// maxMemPercent is the memory pressure threshold above which the status
// reporter warns.
const maxMemPercent = 90.0

// StatusReport is a point-in-time introspection snapshot of the scan.
type StatusReport struct {
	// Modules maps module name to its status snapshot.
	Modules map[string]ModuleStatusEntry
	// Finished is true iff no module is running.
	Finished bool
	// ModulesErrored counts modules in the errored state.
	ModulesErrored int
}

// ModuleStatusEntry mirrors types.ModuleStatus for the report map.
type ModuleStatusEntry struct {
	Running       bool
	Errored       bool
	IncomingQSize int
	OutgoingQSize int
	Tasks         int
}

// IncomingQSize estimates the number of events queued across the ingress
// and all module outgoing queues. The value is approximate: queues are
// sized independently, not under one lock.
func (d *Dispatcher) IncomingQSize() int {
	d.buildViews()
	n := d.incoming.Len()
	for _, m := range d.nonHookModules {
		n += m.OutgoingQueue().Len()
	}
	return n
}

// QueuedEventTypes counts queued events by type across the ingress and all
// module outgoing queues. Approximate, like IncomingQSize.
func (d *Dispatcher) QueuedEventTypes() map[string]int {
	d.buildViews()
	counts := make(map[string]int)
	for _, env := range d.incoming.Snapshot() {
		if env.Event != nil {
			counts[env.Event.Type]++
		}
	}
	for _, m := range d.nonHookModules {
		for _, env := range m.OutgoingQueue().Snapshot() {
			if env.Event != nil {
				counts[env.Event.Type]++
			}
		}
	}
	return counts
}

// Running reports whether the dispatcher has tasks in flight or events
// queued anywhere.
func (d *Dispatcher) Running() bool {
	return d.tasks.Value() > 0 || d.IncomingQSize() > 0
}

// ModulesFinished reports whether every module has finished.
func (d *Dispatcher) ModulesFinished() bool {
	for _, m := range d.scan.Modules() {
		if !m.Finished() {
			return false
		}
	}
	return true
}

// Active reports whether the scan still has work: the dispatcher is running
// or some module is not finished.
func (d *Dispatcher) Active() bool {
	return d.Running() || !d.ModulesFinished()
}

// ModulesStatus aggregates per-module status, transitions errored modules
// with a live incoming queue into the error state, checks memory pressure,
// and optionally logs a human-readable summary.
func (d *Dispatcher) ModulesStatus(logStatus bool) StatusReport {
	report := StatusReport{
		Modules:  make(map[string]ModuleStatusEntry),
		Finished: true,
	}

	for _, m := range d.scan.Modules() {
		st := m.Status()
		if st.Running {
			report.Finished = false
		}
		report.Modules[m.Name()] = ModuleStatusEntry{
			Running:       st.Running,
			Errored:       st.Errored,
			IncomingQSize: st.IncomingQSize,
			OutgoingQSize: st.OutgoingQSize,
			Tasks:         st.Tasks,
		}
	}

	// An errored module must not keep accumulating incoming events.
	for _, m := range d.scan.Modules() {
		if m.Errored() && m.Status().IncomingQSize > 0 {
			m.SetErrorState("", false)
		}
	}

	var errored []string
	for name, st := range report.Modules {
		if st.Errored {
			errored = append(errored, name)
		}
	}
	sort.Strings(errored)
	report.ModulesErrored = len(errored)

	mem := helpers.MemoryStatus()
	if mem.Percent > maxMemPercent {
		d.log.Warn("system memory pressure",
			zap.Float64("percent", mem.Percent),
			zap.String("available", helpers.BytesToHuman(mem.Available)))
	}

	if logStatus {
		d.logStatus(report, errored)
	}
	return report
}

type moduleActivity struct {
	name     string
	running  bool
	incoming int
	outgoing int
	tasks    int
}

func (a moduleActivity) total() int { return a.incoming + a.outgoing + a.tasks }

func (d *Dispatcher) logStatus(report StatusReport, errored []string) {
	var active []moduleActivity
	for name, st := range report.Modules {
		a := moduleActivity{
			name:     name,
			running:  st.Running,
			incoming: st.IncomingQSize,
			outgoing: st.OutgoingQSize,
			tasks:    st.Tasks,
		}
		if a.running || a.total() > 0 {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].total() > active[j].total() })

	if len(active) > 0 {
		parts := make([]string, 0, len(active))
		for _, a := range active {
			parts = append(parts, fmt.Sprintf("%s(%d:%d:%d)", a.name, a.incoming, a.tasks, a.outgoing))
		}
		d.log.Info("modules running (incoming:processing:outgoing)",
			zap.String("modules", strings.Join(parts, ", ")))
	} else {
		d.log.Info("no modules running")
	}

	emitted := d.scan.Stats().EmittedByType()
	if len(emitted) > 0 {
		d.log.Info("events produced so far", zap.Any("by_type", emitted))
	} else {
		d.log.Info("no events produced yet")
	}

	if len(errored) > 0 {
		d.log.Verbose("modules errored",
			zap.Int("count", len(errored)),
			zap.Strings("modules", errored))
	}

	queued := d.QueuedEventTypes()
	total := 0
	for _, n := range queued {
		total += n
	}
	if total > 0 {
		d.log.Info("events in queue",
			zap.Int("total", total),
			zap.Any("by_type", queued))
	} else {
		d.log.Info("no events in queue")
	}

	d.log.Debug("dispatcher state",
		zap.Bool("finished_init", d.scan.FinishedInit()),
		zap.Bool("dns_resolution", d.dnsResolution),
		zap.Bool("active", d.Active()),
		zap.Bool("running", d.Running()),
		zap.Int("task_counter", d.tasks.Value()),
		zap.Strings("tasks", d.tasks.Tasks()),
		zap.Int("ingress_qsize", d.incoming.Len()),
		zap.Bool("modules_finished", d.ModulesFinished()))

	for _, m := range d.scan.Modules() {
		d.log.Debug("module memory usage",
			zap.String("module", m.Name()),
			zap.String("usage", helpers.BytesToHuman(uint64(m.MemoryUsage()))))
	}
}
