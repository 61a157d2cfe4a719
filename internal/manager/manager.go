// SPDX-License-Identifier: MIT

// Package manager owns the in-memory session map of this replica. A single
// actor goroutine serializes every state change; the map is never observed
// from outside the loop.
package manager

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/session"
)

// ControlCommand is sent from the manager to one connection handler.
type ControlCommand int

const (
	// Close tells the handler its session was displaced: close with the
	// "replaced" reason and leave the ledger row to the successor.
	Close ControlCommand = iota
	// Terminate tells the handler the replica is shutting down: notify the
	// client with a recoverable reason and exit without a history move.
	Terminate
)

// ErrClosed is returned when a command arrives after the actor exited.
var ErrClosed = errors.New("session manager is closed")

// Result answers a Terminate or Delete command.
type Result struct {
	Found bool
	ID    session.ID
}

type entry struct {
	id   session.ID
	ctrl chan<- ControlCommand
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdTerminate
	cmdDelete
)

type command struct {
	kind  cmdKind
	key   session.Key
	entry entry
	reply chan Result
}

// Manager is the session-map actor. Create with New, then drive with Run.
type Manager struct {
	cmds   chan command
	done   chan struct{}
	grace  time.Duration
	logger zerolog.Logger
}

// New creates a manager. grace is the window after the shutdown signal during
// which commands are still served, so peer replicas can finish takeovers
// against this one.
func New(grace time.Duration) *Manager {
	return &Manager{
		cmds:   make(chan command, 128),
		done:   make(chan struct{}),
		grace:  grace,
		logger: log.WithComponent("session_manager"),
	}
}

// Run executes the actor loop until ctx is cancelled, then notifies every
// live handler with Terminate and serves commands for the grace window.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	sessions := make(map[session.Key]entry)

	for {
		select {
		case cmd := <-m.cmds:
			m.handle(sessions, cmd)
		case <-ctx.Done():
			// Commands that were already queued when the shutdown signal won
			// the select race still belong to the live map.
		drain:
			for {
				select {
				case cmd := <-m.cmds:
					m.handle(sessions, cmd)
				default:
					break drain
				}
			}

			m.logger.Info().
				Str(log.FieldEvent, "manager.shutdown").
				Int("sessions", len(sessions)).
				Msg("terminating live sessions")

			for key, e := range sessions {
				sendCtrl(m.logger, key, e.ctrl, Terminate)
			}

			deadline := time.NewTimer(m.grace)
			defer deadline.Stop()
			for {
				select {
				case cmd := <-m.cmds:
					m.handle(sessions, cmd)
					// A handler registering after the fan-out is told to
					// terminate right away.
					if cmd.kind == cmdRegister {
						sendCtrl(m.logger, cmd.key, cmd.entry.ctrl, Terminate)
					}
				case <-deadline.C:
					return nil
				}
			}
		}
	}
}

func (m *Manager) handle(sessions map[session.Key]entry, cmd command) {
	switch cmd.kind {
	case cmdRegister:
		sessions[cmd.key] = cmd.entry
	case cmdTerminate, cmdDelete:
		e, ok := sessions[cmd.key]
		if ok {
			delete(sessions, cmd.key)
			sendCtrl(m.logger, cmd.key, e.ctrl, Close)
		}
		cmd.reply <- Result{Found: ok, ID: e.id}
	}
}

func sendCtrl(logger zerolog.Logger, key session.Key, ctrl chan<- ControlCommand, c ControlCommand) {
	select {
	case ctrl <- c:
	default:
		logger.Warn().
			Str(log.FieldSessionKey, key.String()).
			Msg("control channel is full, command dropped")
	}
}

// Register inserts or overwrites the map entry for key. The handler must call
// Register only after its Terminate of the prior session was acknowledged.
func (m *Manager) Register(key session.Key, id session.ID, ctrl chan<- ControlCommand) error {
	return m.send(command{kind: cmdRegister, key: key, entry: entry{id: id, ctrl: ctrl}})
}

// Terminate removes the entry for key, telling its handler to close as
// replaced. Used by the local takeover path.
func (m *Manager) Terminate(ctx context.Context, key session.Key) (Result, error) {
	return m.roundTrip(ctx, command{kind: cmdTerminate, key: key})
}

// Delete behaves like Terminate; it serves the peer-replica takeover
// endpoint.
func (m *Manager) Delete(ctx context.Context, key session.Key) (Result, error) {
	return m.roundTrip(ctx, command{kind: cmdDelete, key: key})
}

func (m *Manager) send(cmd command) error {
	select {
	case m.cmds <- cmd:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) roundTrip(ctx context.Context, cmd command) (Result, error) {
	cmd.reply = make(chan Result, 1)
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-m.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
