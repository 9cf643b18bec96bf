package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ferretsec/ferret/adapter"
)

func testRecord(data string) *adapter.EventRecord {
	return &adapter.EventRecord{
		ScanID:        "scan-001",
		ScanName:      "acme-external",
		EventID:       "evt-" + data,
		Type:          "DNS_NAME",
		Data:          data,
		Host:          data,
		ScopeDistance: 0,
		Module:        "spider",
		Timestamp:     "2026-08-01T12:00:00Z",
	}
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Publish to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{} // unreachable
	}
}

func TestPublish_TypeChannelAndFirehose(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	typeSub := mr.NewSubscriber()
	typeSub.Subscribe("ferret:events:dns_name")
	typeCh := asyncReceive(typeSub)

	fireSub := mr.NewSubscriber()
	fireSub.Subscribe("ferret:events")
	fireCh := asyncReceive(fireSub)

	if err := a.Publish(t.Context(), testRecord("www.example.com")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	typeMsg := waitMessage(t, typeCh)
	if typeMsg.Channel != "ferret:events:dns_name" {
		t.Errorf("type channel %q", typeMsg.Channel)
	}

	var received adapter.EventRecord
	if err := json.Unmarshal([]byte(typeMsg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.Data != "www.example.com" || received.ScanID != "scan-001" {
		t.Errorf("unexpected record: %+v", received)
	}

	fireMsg := waitMessage(t, fireCh)
	if fireMsg.Channel != "ferret:events" {
		t.Errorf("firehose channel %q", fireMsg.Channel)
	}

	if st := a.Stats(); st.Published != 1 || st.Deduped != 0 || st.Dropped != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestPublish_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr(), Prefix: "recon"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	if got := a.FirehoseChannel(); got != "recon:events" {
		t.Errorf("firehose channel %q", got)
	}
	if got := a.channelFor("URL"); got != "recon:events:url" {
		t.Errorf("type channel %q", got)
	}
}

func TestPublish_DedupAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)

	// Two adapters sharing a broker and a scan id model two scan processes.
	first, err := New(Config{URL: "redis://" + mr.Addr(), ScanID: "scan-001"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = first.Close() }()

	second, err := New(Config{URL: "redis://" + mr.Addr(), ScanID: "scan-001"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = second.Close() }()

	if err := first.Publish(t.Context(), testRecord("www.example.com")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := second.Publish(t.Context(), testRecord("www.example.com")); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if st := first.Stats(); st.Published != 1 {
		t.Errorf("first stats: %+v", st)
	}
	if st := second.Stats(); st.Published != 0 || st.Deduped != 1 {
		t.Errorf("second publish must dedup, stats: %+v", st)
	}

	// The dedup key carries a TTL so abandoned scans age out.
	if ttl := mr.TTL("ferret:scans:scan-001:seen"); ttl <= 0 {
		t.Errorf("seen set has no TTL: %s", ttl)
	}
}

func TestPublish_SameDataDifferentTypeIsNotADup(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr(), ScanID: "scan-001"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	dns := testRecord("example.com")
	url := testRecord("example.com")
	url.Type = "URL"

	if err := a.Publish(t.Context(), dns); err != nil {
		t.Fatalf("publish dns: %v", err)
	}
	if err := a.Publish(t.Context(), url); err != nil {
		t.Fatalf("publish url: %v", err)
	}

	if st := a.Stats(); st.Published != 2 || st.Deduped != 0 {
		t.Errorf("identity must include the type, stats: %+v", st)
	}
}

func TestPublish_NoDedupWithoutScanID(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	for range 2 {
		if err := a.Publish(t.Context(), testRecord("www.example.com")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if st := a.Stats(); st.Published != 2 {
		t.Errorf("stats: %+v", st)
	}
}

func TestPublish_DropsOnBrokerFailure(t *testing.T) {
	// An address that won't connect: the publish fails once, no retries.
	a, err := New(Config{URL: "redis://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	start := time.Now()
	if err := a.Publish(t.Context(), testRecord("www.example.com")); err == nil {
		t.Fatal("expected error for unreachable broker")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("publish blocked %s; drops must not back off", elapsed)
	}
	if st := a.Stats(); st.Dropped != 1 || st.Published != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	if a.config.Prefix != DefaultPrefix {
		t.Errorf("prefix %q", a.config.Prefix)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("timeout %s", a.config.Timeout)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing URL")
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "not-a-redis-url"}); err == nil {
		t.Error("expected error for invalid URL")
	}
}
