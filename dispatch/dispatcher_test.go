package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ferretsec/ferret/queue"
	"github.com/ferretsec/ferret/types"
)

func TestEmit_SeedDeliveredOnceToAllConsumers(t *testing.T) {
	modA := newStubModule("alpha", 1)
	modB := newStubModule("beta", 3)
	scan := newStubScan(modA, modB)
	d := newTestDispatcher(scan)

	producer := types.NewDummyModule("TARGET", types.EventTypeTarget)
	seed := seedEvent(scan, types.EventTypeDNSName, "example.com", producer)
	d.EmitEvent(t.Context(), seed, types.EmitOptions{})

	if got := len(modA.Received()); got != 1 {
		t.Fatalf("alpha received %d events, want 1", got)
	}
	if got := len(modB.Received()); got != 1 {
		t.Fatalf("beta received %d events, want 1", got)
	}
	if seed.Internal() {
		t.Error("in-scope seed must not be internal")
	}
	if !d.dedup.isOutgoingDuplicate(seed, false) {
		t.Error("outgoing fingerprint not recorded")
	}

	// The same identity from a different producer passes precheck but is a
	// scan-global duplicate: no consumer without accept_dupes sees it twice.
	other := types.NewDummyModule("other", "scan")
	dup := seedEvent(scan, types.EventTypeDNSName, "example.com", other)
	d.EmitEvent(t.Context(), dup, types.EmitOptions{})

	if got := len(modA.Received()); got != 1 {
		t.Errorf("alpha received duplicate: %d events", got)
	}
	if got := len(modB.Received()); got != 1 {
		t.Errorf("beta received duplicate: %d events", got)
	}
}

func TestEmit_IncomingDedupDropsSecondEmission(t *testing.T) {
	producer := newStubModule("producer", 2)
	// accept_dupes isolates the precheck: if the second emission reached
	// distribution it would still be delivered.
	consumer := newStubModule("consumer", 3)
	consumer.acceptDupes = true
	scan := newStubScan(producer, consumer)
	d := newTestDispatcher(scan)

	first := seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer)
	second := seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer)

	d.EmitEvent(t.Context(), first, types.EmitOptions{})
	d.EmitEvent(t.Context(), second, types.EmitOptions{})

	if got := len(consumer.Received()); got != 1 {
		t.Errorf("consumer received %d events, want 1 (second emission must die at precheck)", got)
	}
}

func TestEmit_EmitDupesModuleBypassesIncomingDedup(t *testing.T) {
	producer := newStubModule("producer", 2)
	producer.emitDupes = true
	consumer := newStubModule("consumer", 3)
	consumer.acceptDupes = true
	scan := newStubScan(producer, consumer)
	d := newTestDispatcher(scan)

	d.EmitEvent(t.Context(), seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer), types.EmitOptions{})
	d.EmitEvent(t.Context(), seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer), types.EmitOptions{})

	if got := len(consumer.Received()); got != 2 {
		t.Errorf("consumer received %d events, want 2 (producer does not suppress dupes)", got)
	}
}

func TestEmit_CustomDedupHash(t *testing.T) {
	producer := newStubModule("producer", 2)
	// A constant custom key puts every event from this producer under one
	// fingerprint, whatever its identity.
	producer.customHash = func(e *types.Event) (uint64, bool) { return 42, true }
	consumer := newStubModule("consumer", 3)
	consumer.acceptDupes = true
	scan := newStubScan(producer, consumer)
	d := newTestDispatcher(scan)

	d.EmitEvent(t.Context(), seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer), types.EmitOptions{})
	d.EmitEvent(t.Context(), seedEvent(scan, types.EventTypeDNSName, "b.example.com", producer), types.EmitOptions{})

	if got := len(consumer.Received()); got != 1 {
		t.Errorf("consumer received %d events, want 1 (custom hash collapses both)", got)
	}
}

func TestPrecheck_RejectsDummy(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	e.SetDummy(true)
	d.EmitEvent(t.Context(), e, types.EmitOptions{})

	if len(consumer.Received()) != 0 {
		t.Error("dummy event must not be distributed")
	}
}

func TestPrecheck_RejectsSelfParented(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := types.NewEvent(types.EventTypeDNSName, "example.com", nil, nil)
	e.Source = e
	e.SetScopeDistance(0)
	d.EmitEvent(t.Context(), e, types.EmitOptions{})

	if len(consumer.Received()) != 0 {
		t.Error("self-parented event must not be distributed")
	}
}

func TestPrecheck_GraphImportantBypassesIncomingDedup(t *testing.T) {
	producer := newStubModule("producer", 2)
	consumer := newStubModule("consumer", 3)
	consumer.acceptDupes = true
	scan := newStubScan(producer, consumer)
	d := newTestDispatcher(scan)

	d.EmitEvent(t.Context(), seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer), types.EmitOptions{})

	repeat := seedEvent(scan, types.EventTypeDNSName, "a.example.com", producer)
	repeat.MarkGraphImportant()
	d.EmitEvent(t.Context(), repeat, types.EmitOptions{})

	if got := len(consumer.Received()); got != 2 {
		t.Errorf("consumer received %d events, want 2 (graph-important bypasses dedup)", got)
	}
}

func TestEmit_BlacklistDropsSilently(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	scan.blacklist["evil.example.com"] = true
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "evil.example.com", nil)
	d.EmitEvent(t.Context(), e, types.EmitOptions{})

	if len(consumer.Received()) != 0 {
		t.Error("blacklisted event must not fan out")
	}
	if len(scan.cloud.Absorbed()) != 0 {
		t.Error("blacklisted event must not reach the word cloud")
	}
	if d.dedup.isOutgoingDuplicate(e, false) {
		t.Error("blacklisted event must not record an outgoing fingerprint")
	}
}

func TestEmit_BlacklistTagDropsWithoutHostMatch(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	e.AddTag(types.TagBlacklisted)
	d.EmitEvent(t.Context(), e, types.EmitOptions{})

	if len(consumer.Received()) != 0 {
		t.Error("event tagged blacklisted must not fan out")
	}
}

func TestEmit_WhitelistPromotesToScopeZero(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	scan.whitelist["deep.example.com"] = true
	d := newTestDispatcher(scan)

	e := types.NewEvent(types.EventTypeDNSName, "deep.example.com", scan.root, nil)
	e.Host = e.Data
	e.SetScopeDistance(3)
	d.EmitEvent(t.Context(), e, types.EmitOptions{})

	if got := e.ScopeDistance(); got != 0 {
		t.Errorf("scope distance %d, want 0 after whitelist promotion", got)
	}
	if e.Internal() {
		t.Error("promoted event must not be internal")
	}
	if len(scan.cloud.Absorbed()) != 1 {
		t.Error("in-scope event must be absorbed into the word cloud")
	}
	if len(consumer.Received()) != 1 {
		t.Error("promoted event must be delivered")
	}
}

func TestEmit_AbortVeto(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	opts := types.EmitOptions{
		AbortIf: func(context.Context, *types.Event) (types.AbortResult, error) {
			return types.AbortResult{Abort: true, Reason: "user policy"}, nil
		},
	}
	d.EmitEvent(t.Context(), e, opts)

	if len(consumer.Received()) != 0 {
		t.Error("vetoed event must not be distributed")
	}
}

func TestEmit_AbortCallbackFailureMeansNoVeto(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	opts := types.EmitOptions{
		AbortIf: func(context.Context, *types.Event) (types.AbortResult, error) {
			return types.AbortResult{}, errors.New("callback exploded")
		},
	}
	d.EmitEvent(t.Context(), e, opts)

	if len(consumer.Received()) != 1 {
		t.Error("failed abort callback must be treated as no veto")
	}
}

func TestEmit_OnSuccessRunsBeforeDistribution(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	opts := types.EmitOptions{
		OnSuccess: func(_ context.Context, ev *types.Event) error {
			ev.AddTag("affiliate")
			return nil
		},
	}
	d.EmitEvent(t.Context(), e, opts)

	received := consumer.Received()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if !received[0].Tagged("affiliate") {
		t.Error("success callback must run before distribution")
	}
}

func TestEmit_QuickPathSkipsScopeChecks(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	scan.blacklist["evil.example.com"] = true
	d := newTestDispatcher(scan)

	e := seedEvent(scan, types.EventTypeDNSName, "evil.example.com", nil)
	d.EmitEvent(t.Context(), e, types.EmitOptions{Quick: true})

	if len(consumer.Received()) != 1 {
		t.Error("quick path must skip the blacklist check")
	}
}

func TestEmit_QuickIgnoredWhenCallbacksAttached(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	vetoed := false
	e := seedEvent(scan, types.EventTypeDNSName, "example.com", nil)
	e.QuickEmit = true
	opts := types.EmitOptions{
		Quick: true,
		AbortIf: func(context.Context, *types.Event) (types.AbortResult, error) {
			vetoed = true
			return types.AbortResult{Abort: true}, nil
		},
	}
	d.EmitEvent(t.Context(), e, opts)

	if !vetoed {
		t.Error("callbacks must run when attached, even with quick requested")
	}
	if len(consumer.Received()) != 0 {
		t.Error("vetoed event distributed")
	}
}

func TestDistribute_ReportDistanceInternalization(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	scan.reportDistance = 1
	d := newTestDispatcher(scan)

	far := types.NewEvent(types.EventTypeDNSName, "far.example.net", scan.root, nil)
	far.Host = far.Data
	far.SetScopeDistance(2)
	d.EmitEvent(t.Context(), far, types.EmitOptions{})

	if !far.Internal() {
		t.Error("event beyond report distance must become internal")
	}
	if len(consumer.Received()) != 1 {
		t.Error("internal events still fan out to modules")
	}
	if len(scan.cloud.Absorbed()) != 0 {
		t.Error("out-of-scope event must not reach the word cloud")
	}
}

func TestDistribute_AlwaysEmitBypassesInternalization(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	far := types.NewEvent(types.EventTypeURL, "https://far.example.net", scan.root, nil)
	far.SetScopeDistance(5)
	far.AlwaysEmit = true
	d.EmitEvent(t.Context(), far, types.EmitOptions{})

	if far.Internal() {
		t.Error("always_emit event must stay external")
	}
}

func TestDistribute_AncestorPromotionCascade(t *testing.T) {
	producerA := newStubModule("spider", 2)
	producerB := newStubModule("prober", 2)
	consumer := newStubModule("consumer", 3)
	consumer.acceptDupes = true
	scan := newStubScan(producerA, producerB, consumer)
	scan.reportDistance = 1
	d := newTestDispatcher(scan)

	// An internal intermediate discovery...
	sub := types.NewEvent(types.EventTypeDNSName, "sub.example.com", scan.root, producerA)
	sub.Host = sub.Data
	sub.SetScopeDistance(1)
	sub.SetInternal(true)

	// ...spawns a graph-important leaf.
	leaf := types.NewEvent(types.EventTypeDNSName, "leaf.sub.example.com", sub, producerB)
	leaf.Host = leaf.Data
	leaf.SetScopeDistance(2)
	leaf.SetInternal(true)
	leaf.MarkGraphImportant()

	d.EmitEvent(t.Context(), leaf, types.EmitOptions{})

	if !sub.GraphImportant() {
		t.Error("ancestor must be marked graph-important")
	}
	if sub.Internal() {
		t.Error("ancestor within report distance must have internal cleared")
	}
	if d.incoming.Len() != 1 {
		t.Fatalf("ancestor must be re-queued on the ingress, qsize %d", d.incoming.Len())
	}

	// The re-queued ancestor makes its second trip: precheck must admit it
	// even though its producer already emitted it once.
	env, err := d.incoming.GetNowait()
	if err != nil {
		t.Fatalf("drain ingress: %v", err)
	}
	before := len(consumer.Received())
	d.EmitEvent(t.Context(), env.Event, env.Options)
	if got := len(consumer.Received()) - before; got != 1 {
		t.Errorf("re-queued ancestor delivered %d times, want 1", got)
	}
}

func TestQueueEvent_DerivesScopeAndDeprioritizes(t *testing.T) {
	scan := newStubScan()
	d := newTestDispatcher(scan)

	parent := types.NewEvent(types.EventTypeDNSName, "example.com", scan.root, nil)
	parent.SetScopeDistance(1)

	child := types.NewEvent(types.EventTypeDNSName, "far.example.net", parent, nil)
	child.Host = child.Data
	child.SetScopeDistance(3)

	d.QueueEvent(child, types.EmitOptions{})

	if got := child.ScopeDistance(); got != 2 {
		t.Errorf("scope distance %d, want parent+1 = 2", got)
	}
	if got := child.ModulePriority(); got != 3 {
		t.Errorf("module priority %d, want deprioritized by pre-queue distance 3", got)
	}
	if d.incoming.Len() != 1 {
		t.Errorf("ingress qsize %d, want 1", d.incoming.Len())
	}
}

func TestQueueEvent_WhitelistedKeepsPriority(t *testing.T) {
	scan := newStubScan()
	scan.whitelist["deep.example.com"] = true
	d := newTestDispatcher(scan)

	parent := types.NewEvent(types.EventTypeDNSName, "example.com", scan.root, nil)
	parent.SetScopeDistance(0)

	child := types.NewEvent(types.EventTypeDNSName, "deep.example.com", parent, nil)
	child.Host = child.Data
	child.SetScopeDistance(2)

	d.QueueEvent(child, types.EmitOptions{})

	if got := child.ModulePriority(); got != 0 {
		t.Errorf("whitelisted event deprioritized: module priority %d", got)
	}
}

func TestWeightedPickup_Proportions(t *testing.T) {
	modA := newStubModule("alpha", 1) // weight 5
	modB := newStubModule("beta", 5)  // weight 1
	scan := newStubScan(modA, modB)
	d := newTestDispatcher(scan)

	mkEnv := func(typ string) *types.Envelope {
		return &types.Envelope{Event: types.NewEvent(typ, "x", scan.root, nil)}
	}

	const draws = 10000
	counts := map[string]int{}
	for range draws {
		// keep every queue non-empty
		if d.incoming.Len() == 0 {
			d.incoming.Put(mkEnv("INGRESS"))
		}
		if modA.outgoing.Len() == 0 {
			modA.outgoing.Put(mkEnv("ALPHA"))
		}
		if modB.outgoing.Len() == 0 {
			modB.outgoing.Put(mkEnv("BETA"))
		}
		env, err := d.getEventFromModules()
		if err != nil {
			t.Fatalf("pickup: %v", err)
		}
		counts[env.Event.Type]++
	}

	expect := map[string]float64{"INGRESS": 5.0 / 11, "ALPHA": 5.0 / 11, "BETA": 1.0 / 11}
	for typ, p := range expect {
		got := float64(counts[typ]) / draws
		tolerance := 4 * math.Sqrt(p*(1-p)/draws)
		if math.Abs(got-p) > tolerance {
			t.Errorf("%s: proportion %.4f, want %.4f ± %.4f", typ, got, p, tolerance)
		}
	}
}

func TestPickup_EmptyQueuesSignalEmpty(t *testing.T) {
	modA := newStubModule("alpha", 1)
	scan := newStubScan(modA)
	d := newTestDispatcher(scan)

	if _, err := d.getEventFromModules(); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestNextEvent_HookChainIsSoleUpstream(t *testing.T) {
	firstHook := newStubModule("dns", 1)
	firstHook.hook = true
	lastHook := newStubModule("cloud-enrich", 4)
	lastHook.hook = true
	regular := newStubModule("regular", 2)
	scan := newStubScan(firstHook, lastHook, regular)
	d := newTestDispatcher(scan)

	// Events anywhere else must be invisible to pickup.
	regular.outgoing.Put(&types.Envelope{Event: seedEvent(scan, types.EventTypeDNSName, "ignored.example.com", nil)})
	d.incoming.Put(&types.Envelope{Event: seedEvent(scan, types.EventTypeDNSName, "also-ignored.example.com", nil)})

	if _, err := d.nextEvent(); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty while last hook is empty, got %v", err)
	}

	want := seedEvent(scan, types.EventTypeDNSName, "from-hook.example.com", nil)
	lastHook.outgoing.Put(&types.Envelope{Event: want})

	env, err := d.nextEvent()
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	if env.Event != want {
		t.Errorf("got %s, want the last hook's event", env.Event)
	}
}

func TestInitEvents_SeedsTargets(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	long := types.NewEvent(types.EventTypeDNSName, "long.example.com", nil, nil)
	long.Host = long.Data
	short := types.NewEvent(types.EventTypeIPAddress, "10.0.0.1", nil, nil)
	short.Host = short.Data
	scan.targets = []*types.Event{long, short}
	d := newTestDispatcher(scan)

	if err := d.InitEvents(t.Context()); err != nil {
		t.Fatalf("init events: %v", err)
	}

	if !scan.FinishedInit() {
		t.Error("init must mark the scan initialized")
	}
	if got := d.incoming.Len(); got != 3 {
		t.Fatalf("ingress qsize %d, want root + 2 targets", got)
	}

	seen := map[string]bool{}
	for range 3 {
		env, err := d.incoming.GetNowait()
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		e := env.Event
		seen[e.Data] = true
		if e.ScopeDistance() != 0 {
			t.Errorf("seed %s scope distance %d, want 0", e, e.ScopeDistance())
		}
		if e.Dummy() {
			t.Errorf("seed %s still flagged dummy", e)
		}
		if e.Source == nil || e.Module == nil {
			t.Errorf("seed %s missing lineage defaults", e)
		}
	}
	if !seen["long.example.com"] || !seen["10.0.0.1"] {
		t.Errorf("missing seeds, saw %v", seen)
	}
}

func TestInitEvents_HooksReceiveSeedsFirst(t *testing.T) {
	firstHook := newStubModule("dns", 1)
	firstHook.hook = true
	lastHook := newStubModule("enrich", 4)
	lastHook.hook = true
	scan := newStubScan(firstHook, lastHook)
	target := types.NewEvent(types.EventTypeDNSName, "example.com", nil, nil)
	target.Host = target.Data
	scan.targets = []*types.Event{target}
	d := newTestDispatcher(scan)

	if err := d.InitEvents(t.Context()); err != nil {
		t.Fatalf("init events: %v", err)
	}

	if got := len(firstHook.Received()); got != 2 {
		t.Errorf("first hook received %d seeds, want root + target", got)
	}
	if got := len(lastHook.Received()); got != 0 {
		t.Errorf("last hook received %d seeds directly, want 0", got)
	}
	if d.incoming.Len() != 0 {
		t.Errorf("seeds must bypass the ingress when hooks exist, qsize %d", d.incoming.Len())
	}
}

func TestWorker_ProcessesQueuedEventsAndStops(t *testing.T) {
	consumer := newStubModule("consumer", 3)
	scan := newStubScan(consumer)
	d := newTestDispatcher(scan)

	parent := types.NewEvent(types.EventTypeDNSName, "example.com", scan.root, nil)
	parent.SetScopeDistance(0)
	for _, host := range []string{"a.example.com", "b.example.com"} {
		e := types.NewEvent(types.EventTypeDNSName, host, parent, nil)
		e.Host = host
		d.QueueEvent(e, types.EmitOptions{})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Worker(t.Context())
	}()

	deadline := time.After(5 * time.Second)
	for len(consumer.Received()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("worker delivered %d events before deadline", len(consumer.Received()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Quiescence: nothing queued, nothing in flight.
	for d.Active() {
		select {
		case <-deadline:
			t.Fatal("dispatcher never became quiescent")
		case <-time.After(10 * time.Millisecond):
		}
	}

	scan.setStopped(true)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after stop")
	}
}

func TestKillModule(t *testing.T) {
	victim := newStubModule("victim", 2)
	victim.outgoing.Put(&types.Envelope{Event: types.NewEvent(types.EventTypeDNSName, "x", nil, nil)})
	scan := newStubScan(victim)
	d := newTestDispatcher(scan)

	d.KillModule("victim", "too many errors")

	if !victim.Errored() {
		t.Error("killed module must be errored")
	}
	if victim.clearCalls != 1 {
		t.Errorf("outgoing queue clear calls %d, want 1", victim.clearCalls)
	}
	if victim.cancelCalls != 1 {
		t.Errorf("cancel calls %d, want 1", victim.cancelCalls)
	}
	if victim.outgoing.Len() != 0 {
		t.Error("outgoing queue not cleared")
	}

	// Unknown modules are a no-op.
	d.KillModule("ghost", "")
}
