// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/authn"
	"github.com/edgeroom/presence/internal/authz"
	"github.com/edgeroom/presence/internal/broker"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/manager"
	"github.com/edgeroom/presence/internal/session"
)

const (
	testAudience = "dev.example.com"
	testSecret   = "test-secret"
)

type fakeLedger struct {
	mu     sync.Mutex
	nextID int64
	rows   map[session.Key]db.AgentSession
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[session.Key]db.AgentSession)}
}

func (f *fakeLedger) InsertSession(_ context.Context, key session.Key, replicaID uuid.UUID, startedAt time.Time) (db.AgentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[key]; ok {
		return db.AgentSession{}, db.ErrUniqueViolation
	}
	f.nextID++
	row := db.AgentSession{
		ID:          session.ID(f.nextID),
		AgentID:     key.AgentID,
		ClassroomID: key.ClassroomID,
		ReplicaID:   replicaID,
		StartedAt:   startedAt,
	}
	f.rows[key] = row
	return row, nil
}

func (f *fakeLedger) GetSessionByKey(_ context.Context, key session.Key) (db.AgentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return db.AgentSession{}, db.ErrNotFound
	}
	return row, nil
}

func (f *fakeLedger) UpdateSessionReplica(_ context.Context, id session.ID, replicaID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, row := range f.rows {
		if row.ID == id {
			row.ReplicaID = replicaID
			f.rows[key] = row
			return nil
		}
	}
	return db.ErrNotFound
}

type publishedEvent struct {
	Key       session.Key
	ID        session.ID
	Operation string
}

type fakeSub struct {
	ch     chan broker.Message
	closed atomic.Bool
}

func (s *fakeSub) Messages() <-chan broker.Message { return s.ch }
func (s *fakeSub) Close()                          { s.closed.Store(true) }

type fakeBroker struct {
	published chan publishedEvent
	subs      chan *fakeSub
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: make(chan publishedEvent, 16),
		subs:      make(chan *fakeSub, 16),
	}
}

func (b *fakeBroker) Subscribe(context.Context, classroom.ID) (Subscription, error) {
	s := &fakeSub{ch: make(chan broker.Message, 16)}
	b.subs <- s
	return s, nil
}

func (b *fakeBroker) PublishAgentEvent(_ context.Context, key session.Key, id session.ID, operation string) error {
	b.published <- publishedEvent{Key: key, ID: id, Operation: operation}
	return nil
}

type fakeMover struct {
	moved chan session.ID
}

func (m *fakeMover) MoveSingleSession(_ context.Context, id session.ID) error {
	m.moved <- id
	return nil
}

type fakePeer struct {
	calls atomic.Int64
	err   error
}

func (p *fakePeer) DeleteSession(context.Context, session.Key) error {
	p.calls.Add(1)
	return p.err
}

type fakeAuthz struct {
	err error
}

func (f *fakeAuthz) Authorize(context.Context, string, agent.AccountID, []string, string) error {
	return f.err
}

type env struct {
	srv    *httptest.Server
	ledger *fakeLedger
	broker *fakeBroker
	mover  *fakeMover
	peer   *fakePeer
	mgr    *manager.Manager
	cancel context.CancelFunc
}

func leakCheck(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func newEnv(t *testing.T, mutate func(*Deps)) *env {
	t.Helper()

	verifier, err := authn.NewVerifier(map[string]config.AuthnKey{
		testAudience: {Algorithm: "HS256", Key: testSecret},
	})
	require.NoError(t, err)

	e := &env{
		ledger: newFakeLedger(),
		broker: newFakeBroker(),
		mover:  &fakeMover{moved: make(chan session.ID, 16)},
		peer:   &fakePeer{},
		mgr:    manager.New(50 * time.Millisecond),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		_ = e.mgr.Run(ctx)
	}()

	deps := Deps{
		Config: config.WebSocket{
			PingInterval:           config.Duration(10 * time.Second),
			PongExpirationInterval: config.Duration(5 * time.Second),
			AuthenticationTimeout:  config.Duration(500 * time.Millisecond),
			WaitBeforeCloseConn:    config.Duration(50 * time.Millisecond),
		},
		Verifier:   verifier,
		Authorizer: &fakeAuthz{},
		Estimator:  authz.NewAudienceEstimator(map[string]struct{}{testAudience: {}}),
		Ledger:     e.ledger,
		Manager:    e.mgr,
		Broker:     e.broker,
		Mover:      e.mover,
		Peer:       e.peer,
		ReplicaID:  uuid.New(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	e.srv = httptest.NewServer(NewHandler(deps))
	t.Cleanup(func() {
		e.srv.Close()
		cancel()
		<-mgrDone
	})
	return e
}

func dial(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func signToken(t *testing.T, subject, audience string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"aud": audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func sendConnect(t *testing.T, conn *websocket.Conn, classroomID classroom.ID, token, label string) {
	t.Helper()
	payload, err := json.Marshal(ConnectRequest{ClassroomID: classroomID, Token: token, AgentLabel: label})
	require.NoError(t, err)
	data, err := json.Marshal(clientEnvelope{Type: typeConnectRequest, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readServerFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)

	var env clientEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Payload
}

func readErrorKind(t *testing.T, conn *websocket.Conn) (string, string) {
	t.Helper()
	frameType, payload := readServerFrame(t, conn)
	var body errorPayload
	require.NoError(t, json.Unmarshal(payload, &body))
	return frameType, body.Kind
}

func awaitEvent(t *testing.T, e *env, operation string) publishedEvent {
	t.Helper()
	select {
	case ev := <-e.broker.published:
		require.Equal(t, operation, ev.Operation)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event published", operation)
		return publishedEvent{}
	}
}

func connect(t *testing.T, e *env, subject, label string, classroomID classroom.ID) *websocket.Conn {
	t.Helper()
	conn := dial(t, e)
	sendConnect(t, conn, classroomID, signToken(t, subject, testAudience), label)
	frameType, _ := readServerFrame(t, conn)
	require.Equal(t, typeConnectSuccess, frameType)
	return conn
}

func closeNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func TestLifecycle(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	classroomID := classroom.FromUUID(uuid.New())

	conn := connect(t, e, "user123", "http", classroomID)

	entered := awaitEvent(t, e, broker.OpEntered)
	assert.Equal(t, "http.user123."+testAudience, entered.Key.AgentID.String())

	closeNormally(t, conn)

	left := awaitEvent(t, e, broker.OpLeft)
	assert.Equal(t, entered.ID, left.ID)

	select {
	case moved := <-e.mover.moved:
		assert.Equal(t, entered.ID, moved)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not moved to history")
	}
}

func TestAuthenticationTimeout(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, func(d *Deps) {
		d.Config.AuthenticationTimeout = config.Duration(100 * time.Millisecond)
	})

	conn := dial(t, e)
	frameType, kind := readErrorKind(t, conn)
	assert.Equal(t, typeUnrecoverableError, frameType)
	assert.Equal(t, "auth_timed_out", kind)
}

func TestNonTextFirstFrame(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	conn := dial(t, e)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	frameType, kind := readErrorKind(t, conn)
	assert.Equal(t, typeUnrecoverableError, frameType)
	assert.Equal(t, "unsupported_request", kind)
}

func TestMalformedConnectRequest(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	conn := dial(t, e)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect_request","payload":{"agent_label":""}}`)))

	_, kind := readErrorKind(t, conn)
	assert.Equal(t, "unsupported_request", kind)
}

func TestInvalidToken(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	conn := dial(t, e)
	sendConnect(t, conn, classroom.FromUUID(uuid.New()), "not-a-token", "http")

	_, kind := readErrorKind(t, conn)
	assert.Equal(t, "unauthenticated", kind)
}

func TestAccessDenied(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, func(d *Deps) {
		d.Authorizer = &fakeAuthz{err: authz.ErrForbidden}
	})

	conn := dial(t, e)
	sendConnect(t, conn, classroom.FromUUID(uuid.New()), signToken(t, "user1", testAudience), "http")

	_, kind := readErrorKind(t, conn)
	assert.Equal(t, "access_denied", kind)
}

func TestLocalTakeover(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	classroomID := classroom.FromUUID(uuid.New())

	first := connect(t, e, "user1", "http", classroomID)
	entered := awaitEvent(t, e, broker.OpEntered)

	second := connect(t, e, "user1", "http", classroomID)

	// The displaced connection is told it was replaced.
	frameType, kind := readErrorKind(t, first)
	assert.Equal(t, typeUnrecoverableError, frameType)
	assert.Equal(t, "replaced", kind)

	// No second Entered, no history move, no peer call: presence continued.
	select {
	case ev := <-e.broker.published:
		t.Fatalf("unexpected %s event", ev.Operation)
	case moved := <-e.mover.moved:
		t.Fatalf("unexpected history move of session %d", moved)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Zero(t, e.peer.calls.Load())

	// The successor exits with the inherited session id.
	closeNormally(t, second)
	left := awaitEvent(t, e, broker.OpLeft)
	assert.Equal(t, entered.ID, left.ID)
}

func TestPeerTakeover(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	classroomID := classroom.FromUUID(uuid.New())
	peerReplica := uuid.New()

	// A row held by another replica, with no local manager entry.
	agentID := agent.NewID("http", agent.NewAccountID("user1", testAudience))
	key := session.NewKey(agentID, classroomID)
	startedAt := time.Now().Add(-time.Hour)
	row, err := e.ledger.InsertSession(context.Background(), key, peerReplica, startedAt)
	require.NoError(t, err)

	conn := connect(t, e, "user1", "http", classroomID)
	defer closeNormally(t, conn)

	assert.Equal(t, int64(1), e.peer.calls.Load())

	// The row was inherited, not re-created. started_at keeps the original
	// value so the eventual history row covers the pre-takeover lifetime.
	inherited, err := e.ledger.GetSessionByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, row.ID, inherited.ID)
	assert.NotEqual(t, peerReplica, inherited.ReplicaID)
	assert.True(t, inherited.StartedAt.Equal(startedAt))

	// Inherited sessions do not re-announce themselves.
	select {
	case ev := <-e.broker.published:
		t.Fatalf("unexpected %s event", ev.Operation)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusForwardingFilters(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	classroomID := classroom.FromUUID(uuid.New())

	conn := connect(t, e, "user1", "http", classroomID)
	awaitEvent(t, e, broker.OpEntered)
	sub := <-e.broker.subs

	self := agent.NewID("http", agent.NewAccountID("user1", testAudience))
	other := agent.NewID("http", agent.NewAccountID("user2", testAudience))
	third := agent.NewID("http", agent.NewAccountID("user3", testAudience))
	eventID := broker.EventID{EntityType: "agent", Operation: broker.OpEntered, Sequence: 9}

	// Internal, self-sent and misaddressed messages are all dropped.
	sub.ch <- broker.Message{SenderID: other, Internal: true, EventID: eventID, Payload: []byte(`{}`)}
	sub.ch <- broker.Message{SenderID: self, EventID: eventID, Payload: []byte(`{}`)}
	sub.ch <- broker.Message{SenderID: other, ReceiverID: &third, EventID: eventID, Payload: []byte(`{}`)}
	sub.ch <- broker.Message{SenderID: other, EventID: eventID, Payload: []byte(`{"agent_id":"http.user2.dev.example.com"}`)}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var forwarded forwardedEvent
	require.NoError(t, json.Unmarshal(data, &forwarded))
	assert.Equal(t, "agent.entered.9", forwarded.ID)
	assert.JSONEq(t, `{"agent_id":"http.user2.dev.example.com"}`, string(forwarded.Payload))

	closeNormally(t, conn)
	awaitEvent(t, e, broker.OpLeft)
	<-e.mover.moved
}

func TestShutdownTerminatesSession(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, nil)
	classroomID := classroom.FromUUID(uuid.New())

	conn := connect(t, e, "user1", "http", classroomID)
	awaitEvent(t, e, broker.OpEntered)

	// Replica shutdown: the manager tells every handler to terminate.
	e.cancel()

	frameType, kind := readErrorKind(t, conn)
	assert.Equal(t, typeRecoverableError, frameType)
	assert.Equal(t, "terminated", kind)

	closeNormally(t, conn)

	// Terminated sessions leave the ledger row for the sweep: no Left event,
	// no single-session history move.
	select {
	case ev := <-e.broker.published:
		t.Fatalf("unexpected %s event", ev.Operation)
	case moved := <-e.mover.moved:
		t.Fatalf("unexpected history move of session %d", moved)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResponsiveClientStaysConnected(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, func(d *Deps) {
		d.Config.PingInterval = config.Duration(50 * time.Millisecond)
		d.Config.PongExpirationInterval = config.Duration(100 * time.Millisecond)
	})
	classroomID := classroom.FromUUID(uuid.New())

	conn := connect(t, e, "user1", "http", classroomID)
	awaitEvent(t, e, broker.OpEntered)

	// A reading client answers pings, so several ping intervals pass without
	// the server giving up.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case ev := <-e.broker.published:
		t.Fatalf("unexpected %s event", ev.Operation)
	case <-time.After(400 * time.Millisecond):
	}

	closeNormally(t, conn)
	<-readerDone
	awaitEvent(t, e, broker.OpLeft)
	<-e.mover.moved
}

func TestPongTimeout(t *testing.T) {
	leakCheck(t)

	e := newEnv(t, func(d *Deps) {
		d.Config.PingInterval = config.Duration(50 * time.Millisecond)
		d.Config.PongExpirationInterval = config.Duration(50 * time.Millisecond)
	})
	classroomID := classroom.FromUUID(uuid.New())

	// Connect, then stop reading: pings go unanswered and the server gives up.
	_ = connect(t, e, "user1", "http", classroomID)
	entered := awaitEvent(t, e, broker.OpEntered)

	left := awaitEvent(t, e, broker.OpLeft)
	assert.Equal(t, entered.ID, left.ID)

	select {
	case moved := <-e.mover.moved:
		assert.Equal(t, entered.ID, moved)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not moved to history")
	}
}
