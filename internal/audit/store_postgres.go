// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// # Audit Sink

// PostgresSink appends events to the audit schema. Rows are never updated or
// deleted by the application; retention is an operator concern.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates the append-only PostgreSQL sink.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

/*
Append persists a batch of events in one round trip.

Parameters:
  - context: context.Context
  - events: []Event

Returns:
  - error: Persistence failures
*/
func (sink *PostgresSink) Append(context context.Context, events []Event) error {
	const query = `
		INSERT INTO audit.event (sequence, kind, actorid, deviceid, ip, correlationid, details, occurredat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	batch := &pgx.Batch{}
	for _, event := range events {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("postgres_audit_sink_marshal_failed: %w", err)
		}

		batch.Queue(query,
			event.Sequence,
			string(event.Kind),
			event.ActorID,
			event.DeviceID,
			event.IP,
			event.CorrelationID,
			details,
			event.OccurredAt,
		)
	}

	results := sink.pool.SendBatch(context, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres_audit_sink_append_failed: %w", err)
		}
	}
	return nil
}

/*
Recent returns the latest events for an actor, newest first. Used by the
operator surface, never by the request path.

Parameters:
  - context: context.Context
  - actorID: string
  - limit: int

Returns:
  - []Event: May be empty
  - error: Execution errors
*/
func (sink *PostgresSink) Recent(context context.Context, actorID string, limit int) ([]Event, error) {
	const query = `
		SELECT sequence, kind, actorid, deviceid, ip, correlationid, details, occurredat
		FROM audit.event
		WHERE actorid = $1
		ORDER BY occurredat DESC, sequence DESC
		LIMIT $2`

	rows, err := sink.pool.Query(context, query, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres_audit_sink_recent_failed: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event      Event
			kind       string
			details    []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&event.Sequence, &kind, &event.ActorID, &event.DeviceID,
			&event.IP, &event.CorrelationID, &details, &occurredAt); err != nil {
			return nil, fmt.Errorf("postgres_audit_sink_scan_failed: %w", err)
		}

		event.Kind = Kind(kind)
		event.OccurredAt = occurredAt
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("postgres_audit_sink_corrupt_details: %w", err)
			}
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
