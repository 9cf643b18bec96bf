// Package redis streams discovery events into Redis pub/sub.
//
// Each record is published twice in one pipeline: to a per-event-type
// channel (so subscribers can follow only DNS names, only URLs, and so on)
// and to a firehose channel carrying everything. The event's canonical
// identity is tracked in a per-scan Redis set, so restarted or parallel
// scan processes sharing a broker do not announce the same discovery twice.
//
// Publish failures are dropped, not retried: discovery events are a stream,
// and stalling the output module to wait out a broker outage costs more
// than a lost notification. Drops are counted and visible via Stats.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ferretsec/ferret/adapter"
)

// DefaultPrefix namespaces channels and the seen set.
const DefaultPrefix = "ferret"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 2 * time.Second

// seenTTL bounds how long a scan's dedup set lives after its last touch.
const seenTTL = 24 * time.Hour

// Config configures the Redis event publisher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces channels and keys (default: ferret).
	Prefix string
	// ScanID keys the cross-process dedup set. When empty, dedup is
	// disabled and every record is published.
	ScanID string
	// Timeout is the per-publish timeout (default 2s).
	Timeout time.Duration
}

// Adapter publishes event records via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client

	published atomic.Int64
	deduped   atomic.Int64
	dropped   atomic.Int64
}

// PublishStats is a snapshot of the adapter's delivery counters.
type PublishStats struct {
	Published int64
	Deduped   int64
	Dropped   int64
}

// New creates a Redis event publisher from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// FirehoseChannel is the channel receiving every record.
func (a *Adapter) FirehoseChannel() string {
	return a.config.Prefix + ":events"
}

// channelFor maps an event type to its dedicated channel,
// e.g. DNS_NAME -> <prefix>:events:dns_name.
func (a *Adapter) channelFor(eventType string) string {
	return a.FirehoseChannel() + ":" + strings.ToLower(eventType)
}

// seenKey is the per-scan dedup set.
func (a *Adapter) seenKey() string {
	return fmt.Sprintf("%s:scans:%s:seen", a.config.Prefix, a.config.ScanID)
}

// identity is the dedup set member: the record's canonical identity, not
// its per-process event ID, so two processes discovering the same host
// collapse to one announcement.
func identity(record *adapter.EventRecord) string {
	return record.Type + "\x00" + record.Data
}

// Publish announces one record: a dedup-set check when a scan id is
// configured, then a pipelined PUBLISH to the type channel and the
// firehose. A failed publish is dropped, never retried.
func (a *Adapter) Publish(ctx context.Context, record *adapter.EventRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis: marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	if a.config.ScanID != "" {
		added, err := a.client.SAdd(ctx, a.seenKey(), identity(record)).Result()
		if err != nil {
			a.dropped.Add(1)
			return fmt.Errorf("redis: dedup check: %w", err)
		}
		if added == 0 {
			a.deduped.Add(1)
			return nil
		}
	}

	_, err = a.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, a.channelFor(record.Type), body)
		pipe.Publish(ctx, a.FirehoseChannel(), body)
		if a.config.ScanID != "" {
			pipe.Expire(ctx, a.seenKey(), seenTTL)
		}
		return nil
	})
	if err != nil {
		a.dropped.Add(1)
		return fmt.Errorf("redis: publish: %w", err)
	}

	a.published.Add(1)
	return nil
}

// Stats returns the adapter's delivery counters.
func (a *Adapter) Stats() PublishStats {
	return PublishStats{
		Published: a.published.Load(),
		Deduped:   a.deduped.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
