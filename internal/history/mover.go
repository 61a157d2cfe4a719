// SPDX-License-Identifier: MIT

// Package history moves finished sessions from the live ledger into the
// audit trail, one row at a time on connection exit and replica-wide on
// startup and shutdown.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/session"
)

// Ops is the ledger surface one move transaction needs. *db.Queries
// implements it.
type Ops interface {
	GetSession(ctx context.Context, id session.ID) (db.AgentSession, error)
	CheckLifetimeOverlap(ctx context.Context, s db.AgentSession, now time.Time) (*db.SessionHistory, error)
	InsertHistory(ctx context.Context, s db.AgentSession, now time.Time) error
	UpdateHistoryLifetime(ctx context.Context, id session.ID, newStart, now time.Time) error
	UpdateHistoryLifetimesByReplica(ctx context.Context, replicaID uuid.UUID, now time.Time) ([]session.ID, error)
	InsertHistoriesFromSessions(ctx context.Context, replicaID uuid.UUID, except []session.ID, now time.Time) ([]session.ID, error)
	DeleteSessionsByReplica(ctx context.Context, replicaID uuid.UUID, ids []session.ID) error
}

// TxRunner scopes a set of ledger operations to one transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ops Ops) error) error
}

type storeRunner struct {
	store *db.Store
}

func (r storeRunner) InTx(ctx context.Context, fn func(ops Ops) error) error {
	return r.store.InTx(ctx, func(q *db.Queries) error { return fn(q) })
}

// Mover performs the move-to-history procedure for this replica.
type Mover struct {
	tx        TxRunner
	replicaID uuid.UUID
	now       func() time.Time
	logger    zerolog.Logger
}

// NewMover binds the mover to the ledger store and this replica's identity.
func NewMover(store *db.Store, replicaID uuid.UUID) *Mover {
	return newMover(storeRunner{store: store}, replicaID)
}

func newMover(tx TxRunner, replicaID uuid.UUID) *Mover {
	return &Mover{
		tx:        tx,
		replicaID: replicaID,
		now:       time.Now,
		logger:    log.WithComponent("history_mover"),
	}
}

// MoveSingleSession moves one finished session to history. A session that is
// already gone from the ledger is a no-op: the row was moved by a sweep or a
// takeover in the meantime.
func (m *Mover) MoveSingleSession(ctx context.Context, id session.ID) error {
	err := m.tx.InTx(ctx, func(ops Ops) error {
		s, err := ops.GetSession(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := m.now()
		existing, err := ops.CheckLifetimeOverlap(ctx, s, now)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := ops.UpdateHistoryLifetime(ctx, existing.ID, existing.Start, now); err != nil {
				return err
			}
		} else if err := ops.InsertHistory(ctx, s, now); err != nil {
			return err
		}

		return ops.DeleteSessionsByReplica(ctx, m.replicaID, []session.ID{id})
	})
	if err != nil {
		return apperror.New(apperror.KindMovingSessionToHistoryFailed, err)
	}

	m.logger.Debug().
		Str(log.FieldEvent, "history.moved").
		Int64(log.FieldSessionID, int64(id)).
		Msg("session moved to history")
	return nil
}

// MoveAllSessions drains every live session of this replica to history.
// Called at startup against leftovers of a prior incarnation, and at
// shutdown after the internal listener quiesced.
func (m *Mover) MoveAllSessions(ctx context.Context) error {
	var moved int
	err := m.tx.InTx(ctx, func(ops Ops) error {
		now := m.now()

		updated, err := ops.UpdateHistoryLifetimesByReplica(ctx, m.replicaID, now)
		if err != nil {
			return err
		}
		inserted, err := ops.InsertHistoriesFromSessions(ctx, m.replicaID, updated, now)
		if err != nil {
			return err
		}

		ids := append(updated, inserted...)
		moved = len(ids)
		if moved == 0 {
			return nil
		}
		return ops.DeleteSessionsByReplica(ctx, m.replicaID, ids)
	})
	if err != nil {
		return apperror.New(apperror.KindMovingSessionToHistoryFailed, err)
	}

	m.logger.Info().
		Str(log.FieldEvent, "history.swept").
		Str(log.FieldReplicaID, m.replicaID.String()).
		Int("sessions", moved).
		Msg("moved replica sessions to history")
	return nil
}
