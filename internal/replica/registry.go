// SPDX-License-Identifier: MIT

package replica

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/log"
)

// Registry holds this replica's ledger identity.
type Registry struct {
	store  *db.Store
	label  string
	id     uuid.UUID
	ip     netip.Addr
	logger zerolog.Logger
}

// NewRegistry binds the registry to the ledger. label comes from
// APP_AGENT_LABEL and is unique per replica.
func NewRegistry(store *db.Store, label string) *Registry {
	return &Registry{
		store:  store,
		label:  label,
		logger: log.WithComponent("replica"),
	}
}

// Register detects the reachable IP and upserts the replica row, refreshing
// the IP when a prior incarnation under the same label left one behind.
func (r *Registry) Register(ctx context.Context) (uuid.UUID, error) {
	ip, err := DetectIP()
	if err != nil {
		return uuid.Nil, fmt.Errorf("detect replica ip: %w", err)
	}

	id, err := r.store.InsertReplica(ctx, r.label, ip)
	if err != nil {
		return uuid.Nil, fmt.Errorf("register replica: %w", err)
	}

	r.id = id
	r.ip = ip
	r.logger.Info().
		Str(log.FieldEvent, "replica.registered").
		Str(log.FieldReplicaID, id.String()).
		Str(log.FieldIP, ip.String()).
		Str("label", r.label).
		Msg("replica registered")
	return id, nil
}

// ID returns the replica id assigned by Register.
func (r *Registry) ID() uuid.UUID {
	return r.id
}

// IP returns the address detected by Register.
func (r *Registry) IP() netip.Addr {
	return r.ip
}

// Deregister removes the replica row. Called at the very end of shutdown,
// after the ledger was drained to history.
func (r *Registry) Deregister(ctx context.Context) error {
	if err := r.store.DeleteReplica(ctx, r.id); err != nil {
		return apperror.New(apperror.KindShutdownFailed, err)
	}
	r.logger.Info().
		Str(log.FieldEvent, "replica.deregistered").
		Str(log.FieldReplicaID, r.id.String()).
		Msg("replica row removed")
	return nil
}
