// SPDX-License-Identifier: MIT

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/session"
)

// AgentSession is one row of the agent_session table: a live presence tuple.
type AgentSession struct {
	ID          session.ID
	AgentID     agent.ID
	ClassroomID classroom.ID
	ReplicaID   uuid.UUID
	StartedAt   time.Time
}

// Key returns the cluster-wide session key of the row.
func (s AgentSession) Key() session.Key {
	return session.NewKey(s.AgentID, s.ClassroomID)
}

// RosterEntry is one element of a classroom roster listing.
type RosterEntry struct {
	ID      session.ID `json:"id"`
	AgentID agent.ID   `json:"agent_id"`
}

// MaxRosterLimit caps roster pagination.
const MaxRosterLimit = 1000

// InsertSession inserts a live session row. A collision with the
// (agent_id, classroom_id) unique index returns ErrUniqueViolation; the
// caller runs the takeover protocol then.
func (q *Queries) InsertSession(ctx context.Context, key session.Key, replicaID uuid.UUID, startedAt time.Time) (AgentSession, error) {
	row := q.q.QueryRow(ctx, `
		INSERT INTO agent_session (agent_id, classroom_id, replica_id, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, key.AgentID.String(), key.ClassroomID.UUID, replicaID, startedAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return AgentSession{}, ErrUniqueViolation
		}
		return AgentSession{}, fmt.Errorf("insert agent_session: %w", err)
	}

	return AgentSession{
		ID:          session.ID(id),
		AgentID:     key.AgentID,
		ClassroomID: key.ClassroomID,
		ReplicaID:   replicaID,
		StartedAt:   startedAt,
	}, nil
}

// GetSession loads one session row by id.
func (q *Queries) GetSession(ctx context.Context, id session.ID) (AgentSession, error) {
	row := q.q.QueryRow(ctx, `
		SELECT id, agent_id, classroom_id, replica_id, started_at
		FROM agent_session
		WHERE id = $1
	`, int64(id))

	return scanSession(row)
}

// GetSessionByKey loads the live session row for a key, if any. Used by the
// cross-replica takeover path to inherit the displaced session's row.
func (q *Queries) GetSessionByKey(ctx context.Context, key session.Key) (AgentSession, error) {
	row := q.q.QueryRow(ctx, `
		SELECT id, agent_id, classroom_id, replica_id, started_at
		FROM agent_session
		WHERE agent_id = $1 AND classroom_id = $2
	`, key.AgentID.String(), key.ClassroomID.UUID)

	return scanSession(row)
}

func scanSession(row pgx.Row) (AgentSession, error) {
	var (
		s        AgentSession
		rawID    int64
		rawAgent string
	)
	if err := row.Scan(&rawID, &rawAgent, &s.ClassroomID.UUID, &s.ReplicaID, &s.StartedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentSession{}, ErrNotFound
		}
		return AgentSession{}, fmt.Errorf("scan agent_session: %w", err)
	}

	agentID, err := agent.ParseID(rawAgent)
	if err != nil {
		return AgentSession{}, fmt.Errorf("ledger carries malformed agent id: %w", err)
	}
	s.ID = session.ID(rawID)
	s.AgentID = agentID
	return s, nil
}

// UpdateSessionReplica moves ownership of an existing row to another replica
// without changing the session id or started_at. The original start must
// survive the takeover so the eventual history row covers the whole lifetime.
func (q *Queries) UpdateSessionReplica(ctx context.Context, id session.ID, replicaID uuid.UUID) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE agent_session
		SET replica_id = $2
		WHERE id = $1
	`, int64(id), replicaID)
	if err != nil {
		return fmt.Errorf("update agent_session replica: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSessionsByReplica bulk-deletes rows of one replica that have already
// been copied to history.
func (q *Queries) DeleteSessionsByReplica(ctx context.Context, replicaID uuid.UUID, ids []session.ID) error {
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	_, err := q.q.Exec(ctx, `
		DELETE FROM agent_session
		WHERE replica_id = $1 AND id = ANY($2)
	`, replicaID, raw)
	if err != nil {
		return fmt.Errorf("delete agent_sessions: %w", err)
	}
	return nil
}

// ListAgents returns the classroom roster ordered by ascending session id,
// starting strictly after sequenceID.
func (q *Queries) ListAgents(ctx context.Context, classroomID classroom.ID, sequenceID session.ID, limit int) ([]RosterEntry, error) {
	if limit <= 0 || limit > MaxRosterLimit {
		limit = MaxRosterLimit
	}

	rows, err := q.q.Query(ctx, `
		SELECT id, agent_id
		FROM agent_session
		WHERE classroom_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, classroomID.UUID, int64(sequenceID), limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var (
			rawID    int64
			rawAgent string
		)
		if err := rows.Scan(&rawID, &rawAgent); err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		agentID, err := agent.ParseID(rawAgent)
		if err != nil {
			return nil, fmt.Errorf("ledger carries malformed agent id: %w", err)
		}
		entries = append(entries, RosterEntry{ID: session.ID(rawID), AgentID: agentID})
	}
	return entries, rows.Err()
}

// CountAgents returns the live participant count per classroom. Classrooms
// without sessions are absent from the result.
func (q *Queries) CountAgents(ctx context.Context, classroomIDs []classroom.ID) (map[classroom.ID]int64, error) {
	raw := make([]uuid.UUID, len(classroomIDs))
	for i, id := range classroomIDs {
		raw[i] = id.UUID
	}

	rows, err := q.q.Query(ctx, `
		SELECT classroom_id, count(id)
		FROM agent_session
		WHERE classroom_id = ANY($1)
		GROUP BY classroom_id
	`, raw)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()

	counts := make(map[classroom.ID]int64, len(classroomIDs))
	for rows.Next() {
		var (
			id    uuid.UUID
			count int64
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		counts[classroom.FromUUID(id)] = count
	}
	return counts, rows.Err()
}
