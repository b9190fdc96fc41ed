// Package pgjournal is an append-only Postgres event journal for the fleet.
package pgjournal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS fleet_events (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	lineage TEXT NOT NULL DEFAULT '',
	unit_id TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_fleet_events_lineage ON fleet_events(lineage, occurred_at DESC);
`

const defaultBufferSize = 1024

// Journal implements [events.Sink]. Emit enqueues; a background writer appends
// to the database so the control loop never waits on Postgres.
type Journal struct {
	db     *sql.DB
	logger logging.Logger

	queue   chan events.Event
	wg      sync.WaitGroup
	once    sync.Once
	dropped int64
	mutex   sync.Mutex
}

// Open connects to Postgres using the lib/pq driver and creates the schema
func Open(ctx context.Context, dsn string, logger logging.Logger) (*Journal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	journal := New(db, logger)
	if err := journal.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return journal, nil
}

// New wraps an existing database handle
func New(db *sql.DB, logger logging.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger,
		queue:  make(chan events.Event, defaultBufferSize),
	}
}

func (j *Journal) InitSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize journal schema: %w", err)
	}
	return nil
}

// Start launches the background writer
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for event := range j.queue {
			if err := j.Append(ctx, event); err != nil {
				j.logger.Errorf("Failed to append event to journal, type: %s, error: %v", event.Type, err)
			}
		}
	}()
}

// Close drains the queue, stops the writer and closes the database
func (j *Journal) Close() error {
	j.once.Do(func() {
		close(j.queue)
	})
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) Emit(event events.Event) {
	select {
	case j.queue <- event:
	default:
		j.mutex.Lock()
		j.dropped++
		j.mutex.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full
func (j *Journal) Dropped() int64 {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.dropped
}

// Append writes one event synchronously
func (j *Journal) Append(ctx context.Context, event events.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fleet_events (type, occurred_at, lineage, unit_id, version, from_state, to_state, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(event.Type), event.Time.UTC(), event.Lineage, event.UnitID, event.Version, event.From, event.To, event.Message,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events of a lineage, newest first
func (j *Journal) Recent(ctx context.Context, lineage string, limit int) ([]events.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT type, occurred_at, lineage, unit_id, version, from_state, to_state, message
		 FROM fleet_events WHERE lineage = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2`,
		lineage, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []events.Event
	for rows.Next() {
		var event events.Event
		var eventType string
		if err := rows.Scan(&eventType, &event.Time, &event.Lineage, &event.UnitID, &event.Version, &event.From, &event.To, &event.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = events.EventType(eventType)
		result = append(result, event)
	}
	return result, rows.Err()
}
