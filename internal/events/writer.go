// Package events is the allocation.Sink the host wires into pkg/allocation:
// an async, buffered writer that batches event rows into Postgres so the hot
// allocation path never blocks on an event-log insert, and optionally
// forwards HIGH-severity events to Slack.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opdtoken/pkg/allocation"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32

	// eventsChannel is the Redis pub/sub channel every emitted event is
	// published on, for any interested consumer beyond the events table
	// (e.g. a live dashboard) — independent of the Postgres persistence
	// path below.
	eventsChannel = "opdtoken:events"
)

// publishedEvent is the wire shape published on eventsChannel.
type publishedEvent struct {
	Type          string         `json:"type"`
	TokenID       string         `json:"tokenId"`
	CorrelationID string         `json:"correlationId"`
	Severity      string         `json:"severity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HighSeverityForwarder receives HIGH-severity events for out-of-band
// alerting (internal/notify.SlackNotifier implements this).
type HighSeverityForwarder interface {
	PostHighSeverity(ctx context.Context, eventType, tokenID, correlationID string, metadata map[string]any) error
}

type row struct {
	eventType     string
	tokenID       string
	correlationID string
	severity      string
	metadata      []byte
}

// Writer buffers allocation.Event values in memory and flushes them to the
// events table in batches, so a burst of allocations never waits on disk. It
// also publishes every event on eventsChannel so consumers that only need
// the live stream (not the durable log) don't have to poll Postgres.
type Writer struct {
	db        *pgxpool.Pool
	rdb       *redis.Client
	logger    *slog.Logger
	forwarder HighSeverityForwarder

	entries chan row
	done    chan struct{}
}

// NewWriter starts the Writer's background flush loop. forwarder may be nil
// to skip Slack forwarding entirely; rdb may be nil to skip pub/sub
// publishing (e.g. in tests that only care about the persisted log).
func NewWriter(db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, forwarder HighSeverityForwarder) *Writer {
	w := &Writer{
		db:        db,
		rdb:       rdb,
		logger:    logger,
		forwarder: forwarder,
		entries:   make(chan row, bufferSize),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Emit implements allocation.Sink. It never blocks the caller on I/O: if the
// internal buffer is full, the event is dropped and logged, trading event
// durability for allocation-path latency.
func (w *Writer) Emit(ctx context.Context, evt allocation.Event) {
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		w.logger.Error("events: marshaling metadata failed", "event_type", evt.Type, "error", err)
		metadata = []byte("{}")
	}

	if evt.Severity == allocation.SeverityHigh && w.forwarder != nil {
		go func() {
			if err := w.forwarder.PostHighSeverity(context.WithoutCancel(ctx), string(evt.Type), evt.TokenID, evt.CorrelationID, evt.Metadata); err != nil {
				w.logger.Warn("events: slack forward failed", "event_type", evt.Type, "error", err)
			}
		}()
	}

	if w.rdb != nil {
		payload, perr := json.Marshal(publishedEvent{
			Type: string(evt.Type), TokenID: evt.TokenID, CorrelationID: evt.CorrelationID,
			Severity: string(evt.Severity), Metadata: evt.Metadata,
		})
		if perr != nil {
			w.logger.Error("events: marshaling pub/sub payload failed", "event_type", evt.Type, "error", perr)
		} else {
			go func() {
				if err := w.rdb.Publish(context.WithoutCancel(ctx), eventsChannel, payload).Err(); err != nil {
					w.logger.Warn("events: redis publish failed", "event_type", evt.Type, "error", err)
				}
			}()
		}
	}

	r := row{
		eventType:     string(evt.Type),
		tokenID:       evt.TokenID,
		correlationID: evt.CorrelationID,
		severity:      string(evt.Severity),
		metadata:      metadata,
	}
	select {
	case w.entries <- r:
	default:
		w.logger.Warn("events: buffer full, dropping event", "event_type", evt.Type, "token_id", evt.TokenID)
	}
}

// Close stops the flush loop, flushing whatever remains buffered.
func (w *Writer) Close() {
	close(w.entries)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]row, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(context.Background(), batch); err != nil {
			w.logger.Error("events: flush failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []row) error {
	const stmt = `INSERT INTO events (event_type, token_id, correlation_id, severity, metadata) VALUES ($1, $2, $3, $4, $5)`
	for _, r := range batch {
		if _, err := w.db.Exec(ctx, stmt, r.eventType, r.tokenID, r.correlationID, r.severity, r.metadata); err != nil {
			return err
		}
	}
	return nil
}

var _ allocation.Sink = (*Writer)(nil)
