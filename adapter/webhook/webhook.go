// Package webhook delivers discovery events to an HTTP collector.
//
// Records are buffered and POSTed as JSON arrays so a chatty scan does not
// cost one request per subdomain. A batch goes out when it reaches
// BatchSize; Close flushes the remainder. Delivery failures are classified
// by what a scan can do about them: a 4xx response means the endpoint is
// misconfigured and will not heal mid-scan, so the adapter disables itself;
// network errors and 5xx responses get a single short-pause retry, after
// which the batch is dropped and the scan moves on.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ferretsec/ferret/adapter"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultBatchSize is the default number of records per POST.
const DefaultBatchSize = 16

// retryPause is the wait before the single redelivery attempt.
const retryPause = 500 * time.Millisecond

// ErrDisabled is returned by Publish after a 4xx response has marked the
// endpoint misconfigured for the rest of the scan.
var ErrDisabled = errors.New("webhook endpoint rejected a batch; adapter disabled")

// Config configures the webhook adapter.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// BatchSize is the number of records per POST (default 16).
	BatchSize int
}

// Adapter publishes event records via batched HTTP POSTs.
type Adapter struct {
	config Config
	client *http.Client

	mu       sync.Mutex
	buffer   []*adapter.EventRecord
	disabled bool
	sent     int64
	dropped  int64
}

// DeliveryStats is a snapshot of the adapter's delivery counters.
type DeliveryStats struct {
	Sent     int64
	Dropped  int64
	Buffered int
	Disabled bool
}

// New creates a webhook adapter from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Publish buffers the record, sending a batch once BatchSize is reached.
// Records accepted into the buffer return nil immediately; an error refers
// to the batch the record completed.
func (a *Adapter) Publish(ctx context.Context, record *adapter.EventRecord) error {
	a.mu.Lock()
	if a.disabled {
		a.mu.Unlock()
		return ErrDisabled
	}
	a.buffer = append(a.buffer, record)
	if len(a.buffer) < a.config.BatchSize {
		a.mu.Unlock()
		return nil
	}
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	return a.deliver(ctx, batch)
}

// Flush sends any buffered records as a final short batch.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	disabled := a.disabled
	a.mu.Unlock()

	if disabled || len(batch) == 0 {
		return nil
	}
	return a.deliver(ctx, batch)
}

// deliver POSTs one batch, retrying once on retriable failures.
func (a *Adapter) deliver(ctx context.Context, batch []*adapter.EventRecord) error {
	body, err := json.Marshal(batch)
	if err != nil {
		a.drop(len(batch))
		return fmt.Errorf("webhook: marshal batch: %w", err)
	}

	status, err := a.post(ctx, batch, body)
	if err == nil && status/100 == 2 {
		a.recordSent(len(batch))
		return nil
	}

	// The endpoint understood us and said no: stop bothering it.
	if err == nil && status >= 400 && status < 500 {
		a.disable()
		a.drop(len(batch))
		return fmt.Errorf("webhook: endpoint rejected batch with status %d: %w", status, ErrDisabled)
	}

	// Transient by assumption: one redelivery after a short pause.
	select {
	case <-ctx.Done():
		a.drop(len(batch))
		return fmt.Errorf("webhook: context canceled before redelivery: %w", ctx.Err())
	case <-time.After(retryPause):
	}

	status, retryErr := a.post(ctx, batch, body)
	if retryErr == nil && status/100 == 2 {
		a.recordSent(len(batch))
		return nil
	}
	if retryErr == nil {
		retryErr = fmt.Errorf("unexpected status %d", status)
	}

	a.drop(len(batch))
	return fmt.Errorf("webhook: batch dropped after redelivery attempt: %w", retryErr)
}

// post performs one POST of the batch. The scan and batch shape ride along
// as headers so collectors can route without parsing the body.
func (a *Adapter) post(ctx context.Context, batch []*adapter.EventRecord, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ferret-Scan", batch[0].ScanID)
	req.Header.Set("X-Ferret-Events", strconv.Itoa(len(batch)))
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (a *Adapter) disable() {
	a.mu.Lock()
	a.disabled = true
	a.mu.Unlock()
}

func (a *Adapter) drop(n int) {
	a.mu.Lock()
	a.dropped += int64(n)
	a.mu.Unlock()
}

func (a *Adapter) recordSent(n int) {
	a.mu.Lock()
	a.sent += int64(n)
	a.mu.Unlock()
}

// Stats returns the adapter's delivery counters.
func (a *Adapter) Stats() DeliveryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return DeliveryStats{
		Sent:     a.sent,
		Dropped:  a.dropped,
		Buffered: len(a.buffer),
		Disabled: a.disabled,
	}
}

// Close flushes buffered records and releases adapter resources.
func (a *Adapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()
	err := a.Flush(ctx)
	a.client.CloseIdleConnections()
	return err
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
