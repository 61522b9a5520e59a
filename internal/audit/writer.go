package audit

import (
	"context"
	"sync"
	"time"

	"identity-service/internal/metrics"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const createTable = `CREATE TABLE IF NOT EXISTS security_events (
    event_time DateTime64(3, 'UTC'),
    event_date Date,
    user_id String,
    event_type LowCardinality(String),
    actor_id String,
    ip_address String,
    details String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (user_id, event_time)
TTL event_date + INTERVAL 2 YEAR`

const insertEvents = `INSERT INTO security_events (event_time, event_date, user_id, event_type, actor_id, ip_address, details)`

const flushTimeout = 10 * time.Second

// Store is the ClickHouse surface the writer needs.
type Store interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// Writer buffers security events and flushes them in batches from a single goroutine.
// Record never blocks; when the buffer is full the event is dropped and counted.
type Writer struct {
	store     Store
	events    chan models.SecurityEvent
	batchSize int
	interval  time.Duration

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func NewWriter(store Store, bufferSize int, interval time.Duration) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := &Writer{
		store:     store,
		events:    make(chan models.SecurityEvent, bufferSize),
		batchSize: bufferSize,
		interval:  interval,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

// EnsureTable creates the events table.
func EnsureTable(ctx context.Context, store Store) error {
	return store.Exec(ctx, createTable)
}

func (w *Writer) Record(ev models.SecurityEvent) {
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	if ev.EventDate == "" {
		ev.EventDate = ev.EventTime.UTC().Format("2006-01-02")
	}

	select {
	case <-w.done:
		metrics.AuditEventsDropped.Inc()
		return
	default:
	}

	select {
	case w.events <- ev:
	default:
		metrics.AuditEventsDropped.Inc()
		util.Warn("Audit buffer full, dropping event", util.String("event_type", ev.EventType))
	}
}

func (w *Writer) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]models.SecurityEvent, 0, w.batchSize)
	for {
		select {
		case ev := <-w.events:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.done:
			for {
				select {
				case ev := <-w.events:
					batch = append(batch, ev)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []models.SecurityEvent) []models.SecurityEvent {
	if len(batch) == 0 {
		return batch
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		date, err := time.Parse("2006-01-02", ev.EventDate)
		if err != nil {
			date = ev.EventTime.UTC()
		}
		rows = append(rows, []interface{}{
			ev.EventTime.UTC(), date, ev.UserID, ev.EventType, ev.ActorID, ev.IPAddress, ev.Details,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := w.store.BatchInsert(ctx, insertEvents, rows); err != nil {
		metrics.AuditEventsDropped.Add(float64(len(batch)))
		util.Error("Failed to flush audit events", util.Int("count", len(batch)), util.ErrorField(err))
	} else {
		util.Debug("Audit events flushed", util.Int("count", len(batch)))
	}
	return batch[:0]
}

// Close flushes buffered events and stops the writer.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		<-w.stopped
	})
	return nil
}
