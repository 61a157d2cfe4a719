// SPDX-License-Identifier: MIT

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edgeroom/presence/internal/session"
)

// SessionHistory is one row of the agent_session_history table. The lifetime
// is the half-open range [Start, End).
type SessionHistory struct {
	ID    session.ID
	Start time.Time
	End   time.Time
}

// CheckLifetimeOverlap returns the history row of the session's key whose
// lifetime intersects [session.StartedAt, now), if any.
func (q *Queries) CheckLifetimeOverlap(ctx context.Context, s AgentSession, now time.Time) (*SessionHistory, error) {
	row := q.q.QueryRow(ctx, `
		SELECT id, lower(lifetime), upper(lifetime)
		FROM agent_session_history
		WHERE agent_id = $1
		  AND classroom_id = $2
		  AND lifetime && tstzrange($3, $4)
	`, s.AgentID.String(), s.ClassroomID.UUID, s.StartedAt, now)

	var (
		rawID int64
		h     SessionHistory
	)
	if err := row.Scan(&rawID, &h.Start, &h.End); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("check lifetime overlap: %w", err)
	}
	h.ID = session.ID(rawID)
	return &h, nil
}

// InsertHistory writes the session's history row with lifetime
// [session.StartedAt, now) and the session's id as primary key.
func (q *Queries) InsertHistory(ctx context.Context, s AgentSession, now time.Time) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO agent_session_history (id, agent_id, classroom_id, lifetime)
		VALUES ($1, $2, $3, tstzrange($4, $5))
	`, int64(s.ID), s.AgentID.String(), s.ClassroomID.UUID, s.StartedAt, now)
	if err != nil {
		return fmt.Errorf("insert agent_session_history: %w", err)
	}
	return nil
}

// UpdateHistoryLifetime extends an existing history row to [newStart, now).
func (q *Queries) UpdateHistoryLifetime(ctx context.Context, id session.ID, newStart, now time.Time) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE agent_session_history
		SET lifetime = tstzrange($2, $3)
		WHERE id = $1
	`, int64(id), newStart, now)
	if err != nil {
		return fmt.Errorf("update agent_session_history lifetime: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHistoryLifetimesByReplica extends, for every session of the replica
// whose key already has an overlapping history row, that row's lifetime to
// now. Returns the ids of the affected sessions.
func (q *Queries) UpdateHistoryLifetimesByReplica(ctx context.Context, replicaID uuid.UUID, now time.Time) ([]session.ID, error) {
	rows, err := q.q.Query(ctx, `
		UPDATE agent_session_history AS h
		SET lifetime = tstzrange(lower(h.lifetime), $2)
		FROM agent_session AS s
		WHERE s.replica_id = $1
		  AND h.agent_id = s.agent_id
		  AND h.classroom_id = s.classroom_id
		  AND h.lifetime && tstzrange(s.started_at, $2)
		RETURNING s.id
	`, replicaID, now)
	if err != nil {
		return nil, fmt.Errorf("update history lifetimes by replica: %w", err)
	}
	defer rows.Close()

	return collectSessionIDs(rows)
}

// InsertHistoriesFromSessions writes history rows for every session of the
// replica except the given ids, with lifetime [started_at, now). Returns the
// ids of the inserted sessions.
func (q *Queries) InsertHistoriesFromSessions(ctx context.Context, replicaID uuid.UUID, except []session.ID, now time.Time) ([]session.ID, error) {
	rawExcept := make([]int64, len(except))
	for i, id := range except {
		rawExcept[i] = int64(id)
	}

	rows, err := q.q.Query(ctx, `
		INSERT INTO agent_session_history (id, agent_id, classroom_id, lifetime)
		SELECT id, agent_id, classroom_id, tstzrange(started_at, $2)
		FROM agent_session
		WHERE replica_id = $1 AND NOT (id = ANY($3))
		RETURNING id
	`, replicaID, now, rawExcept)
	if err != nil {
		return nil, fmt.Errorf("insert histories from sessions: %w", err)
	}
	defer rows.Close()

	return collectSessionIDs(rows)
}

func collectSessionIDs(rows pgx.Rows) ([]session.ID, error) {
	var ids []session.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, session.ID(id))
	}
	return ids, rows.Err()
}
