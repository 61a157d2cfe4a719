// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/session"
)

func testKey(subject string) session.Key {
	id := agent.NewID("http", agent.NewAccountID(subject, "dev.example.com"))
	return session.NewKey(id, classroom.FromUUID(uuid.New()))
}

func leakCheck(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func startManager(t *testing.T, grace time.Duration) (*Manager, context.CancelFunc) {
	t.Helper()
	m := New(grace)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, cancel
}

func TestTerminateReturnsRegisteredSession(t *testing.T) {
	leakCheck(t)

	m, _ := startManager(t, 10*time.Millisecond)
	key := testKey("user1")
	ctrl := make(chan ControlCommand, 1)

	require.NoError(t, m.Register(key, session.ID(42), ctrl))

	res, err := m.Terminate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, session.ID(42), res.ID)

	// The displaced handler is told to close.
	select {
	case cmd := <-ctrl:
		assert.Equal(t, Close, cmd)
	case <-time.After(time.Second):
		t.Fatal("no control command received")
	}
}

func TestTerminateUnknownKey(t *testing.T) {
	leakCheck(t)

	m, _ := startManager(t, 10*time.Millisecond)

	res, err := m.Terminate(context.Background(), testKey("user1"))
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestRegisterHappensBeforeTerminate(t *testing.T) {
	leakCheck(t)

	m, _ := startManager(t, 10*time.Millisecond)
	key := testKey("user1")

	// Register enqueued first is observed by the subsequent Terminate even
	// without an explicit acknowledgement: commands are totally ordered.
	ctrl := make(chan ControlCommand, 1)
	require.NoError(t, m.Register(key, session.ID(7), ctrl))

	res, err := m.Terminate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, session.ID(7), res.ID)
}

func TestDeleteMatchesTerminate(t *testing.T) {
	leakCheck(t)

	m, _ := startManager(t, 10*time.Millisecond)
	key := testKey("user1")
	ctrl := make(chan ControlCommand, 1)

	require.NoError(t, m.Register(key, session.ID(3), ctrl))

	res, err := m.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, session.ID(3), res.ID)

	res, err = m.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestRegisterDuringShutdownIsTerminated(t *testing.T) {
	leakCheck(t)

	m := New(500 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = m.Run(ctx)
	}()

	// A Register racing the shutdown signal lands either in the queue the
	// fan-out drains first or in the grace window; both must terminate it.
	cancel()
	key := testKey("user1")
	ctrl := make(chan ControlCommand, 1)
	require.NoError(t, m.Register(key, session.ID(5), ctrl))

	select {
	case cmd := <-ctrl:
		assert.Equal(t, Terminate, cmd)
	case <-time.After(time.Second):
		t.Fatal("no terminate received")
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not exit after grace window")
	}
}

func TestShutdownNotifiesHandlersAndServesGrace(t *testing.T) {
	leakCheck(t)

	m := New(200 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = m.Run(ctx)
	}()

	key := testKey("user1")
	ctrl := make(chan ControlCommand, 1)
	require.NoError(t, m.Register(key, session.ID(1), ctrl))

	cancel()

	// Handlers get Terminate.
	select {
	case cmd := <-ctrl:
		assert.Equal(t, Terminate, cmd)
	case <-time.After(time.Second):
		t.Fatal("no terminate received")
	}

	// Peer takeovers are still served during the grace window.
	res, err := m.Delete(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, res.Found)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not exit after grace window")
	}

	// After exit, commands fail instead of blocking.
	_, err = m.Terminate(context.Background(), key)
	assert.ErrorIs(t, err, ErrClosed)
}
