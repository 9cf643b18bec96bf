package dispatch

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ferretsec/ferret/types"
)

// dedupTracker holds the scan's two fingerprint sets: incoming
// (per-producer) and outgoing (scan-global). Both sets grow monotonically
// for the duration of the scan; entries are never removed.
type dedupTracker struct {
	mu       sync.Mutex
	incoming map[uint64]struct{}
	outgoing map[uint64]struct{}
}

func newDedupTracker() *dedupTracker {
	return &dedupTracker{
		incoming: make(map[uint64]struct{}),
		outgoing: make(map[uint64]struct{}),
	}
}

// incomingFingerprint computes the per-producer dedup key: the module's
// custom key when it provides one, otherwise the canonical identity hashed
// together with the producer module's name.
func incomingFingerprint(e *types.Event) uint64 {
	if e.Module != nil {
		if h, ok := e.Module.OutgoingDedupHash(e); ok {
			return h
		}
	}
	h := xxhash.New()
	var buf [8]byte
	v := e.Hash()
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(e.ModuleName())
	return h.Sum64()
}

// isIncomingDuplicate reports whether the event's producer has raised this
// event before AND the producer suppresses its own duplicates. When add is
// true the fingerprint is recorded regardless of the verdict.
func (t *dedupTracker) isIncomingDuplicate(e *types.Event, add bool) bool {
	fp := incomingFingerprint(e)

	t.mu.Lock()
	_, dup := t.incoming[fp]
	if add {
		t.incoming[fp] = struct{}{}
	}
	t.mu.Unlock()

	suppress := true
	if e.Module != nil {
		suppress = e.Module.SuppressDupes()
	}
	return suppress && dup
}

// isOutgoingDuplicate reports whether the same event, regardless of its
// producer, has been distributed before. When add is true the fingerprint
// is recorded.
func (t *dedupTracker) isOutgoingDuplicate(e *types.Event, add bool) bool {
	fp := e.Hash()

	t.mu.Lock()
	defer t.mu.Unlock()
	_, dup := t.outgoing[fp]
	if add {
		t.outgoing[fp] = struct{}{}
	}
	return dup
}
