// SPDX-License-Identifier: MIT

package db

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edgeroom/presence/internal/session"
)

// InsertReplica registers this process under its label, refreshing the
// advertised IP when the label already exists. Returns the replica id.
func (q *Queries) InsertReplica(ctx context.Context, label string, ip netip.Addr) (uuid.UUID, error) {
	row := q.q.QueryRow(ctx, `
		INSERT INTO replica (label, ip)
		VALUES ($1, $2)
		ON CONFLICT (label)
		DO UPDATE SET ip = EXCLUDED.ip
		RETURNING id
	`, label, ip)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("insert replica: %w", err)
	}
	return id, nil
}

// DeleteReplica removes the replica row by id.
func (q *Queries) DeleteReplica(ctx context.Context, id uuid.UUID) error {
	_, err := q.q.Exec(ctx, `
		DELETE FROM replica
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete replica: %w", err)
	}
	return nil
}

// FindReplicaIPForSessionKey resolves the IP of the replica that owns the
// live session for the given key.
func (q *Queries) FindReplicaIPForSessionKey(ctx context.Context, key session.Key) (netip.Addr, error) {
	row := q.q.QueryRow(ctx, `
		SELECT replica.ip
		FROM replica
		JOIN agent_session ON replica.id = agent_session.replica_id
		WHERE agent_session.agent_id = $1
		  AND agent_session.classroom_id = $2
		LIMIT 1
	`, key.AgentID.String(), key.ClassroomID.UUID)

	var ip netip.Addr
	if err := row.Scan(&ip); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return netip.Addr{}, ErrNotFound
		}
		return netip.Addr{}, fmt.Errorf("find replica ip: %w", err)
	}
	return ip, nil
}
