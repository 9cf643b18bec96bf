package modules

import (
	"context"

	"github.com/ferretsec/ferret/adapter"
	"github.com/ferretsec/ferret/log"
	"github.com/ferretsec/ferret/types"
)

// ModuleTypeOutput is the module kind for output modules.
const ModuleTypeOutput = "output"

// Output delivers reported events to a sink. Internal events are skipped
// unless graph-important; graph-important events are delivered regardless
// of scan-global dedup.
type Output struct {
	*Base
	sink     Sink
	scanID   string
	scanName string
}

// NewOutput creates an output module writing to the given sink.
func NewOutput(name string, sink Sink, scanID, scanName string, logger *log.Logger) *Output {
	o := &Output{
		sink:     sink,
		scanID:   scanID,
		scanName: scanName,
	}
	o.Base = NewBase(BaseConfig{
		Name:     name,
		Type:     ModuleTypeOutput,
		Priority: 3,
	}, logger, o.handleEvent)
	return o
}

// IsGraphImportant forces delivery of graph-important events to output
// modules so the parent chain survives dedup.
func (o *Output) IsGraphImportant(e *types.Event) bool {
	return e.GraphImportant()
}

func (o *Output) handleEvent(ctx context.Context, e *types.Event) error {
	// The scan's root event is bookkeeping, not a finding.
	if e.Type == types.EventTypeScan {
		return nil
	}
	if e.Internal() && !e.GraphImportant() {
		return nil
	}
	return o.sink.WriteEvent(ctx, adapter.RecordFromEvent(o.scanID, o.scanName, e))
}

// Close stops the module worker and closes the sink.
func (o *Output) Close() error {
	o.Stop()
	return o.sink.Close()
}

var _ types.Module = (*Output)(nil)
