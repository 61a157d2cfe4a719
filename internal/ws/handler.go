// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/apperror"
	"github.com/edgeroom/presence/internal/authn"
	"github.com/edgeroom/presence/internal/authz"
	"github.com/edgeroom/presence/internal/broker"
	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/db"
	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/manager"
	"github.com/edgeroom/presence/internal/metrics"
	"github.com/edgeroom/presence/internal/session"
)

const (
	writeTimeout   = 10 * time.Second
	connectTimeout = 15 * time.Second
	cleanupTimeout = 10 * time.Second
)

// Ledger is the session-table surface the handler needs. *db.Store
// implements it.
type Ledger interface {
	InsertSession(ctx context.Context, key session.Key, replicaID uuid.UUID, startedAt time.Time) (db.AgentSession, error)
	GetSessionByKey(ctx context.Context, key session.Key) (db.AgentSession, error)
	UpdateSessionReplica(ctx context.Context, id session.ID, replicaID uuid.UUID) error
}

// SessionManager is the session-manager surface the handler needs.
type SessionManager interface {
	Register(key session.Key, id session.ID, ctrl chan<- manager.ControlCommand) error
	Terminate(ctx context.Context, key session.Key) (manager.Result, error)
}

// Subscription is one classroom event stream.
type Subscription interface {
	Messages() <-chan broker.Message
	Close()
}

// Broker publishes presence events and yields classroom subscriptions.
type Broker interface {
	Subscribe(ctx context.Context, classroomID classroom.ID) (Subscription, error)
	PublishAgentEvent(ctx context.Context, key session.Key, id session.ID, operation string) error
}

// Mover moves a finished session to history.
type Mover interface {
	MoveSingleSession(ctx context.Context, id session.ID) error
}

// Peer displaces sessions owned by other replicas.
type Peer interface {
	DeleteSession(ctx context.Context, key session.Key) error
}

// Deps wires the handler to the rest of the service.
type Deps struct {
	Config     config.WebSocket
	Verifier   *authn.Verifier
	Authorizer authz.Client
	Estimator  *authz.AudienceEstimator
	Ledger     Ledger
	Manager    SessionManager
	Broker     Broker
	Mover      Mover
	Peer       Peer
	ReplicaID  uuid.UUID
}

// Handler upgrades /ws requests and runs one connection state machine per
// socket.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler builds the connection handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; authn happens
			// in-band with the first frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str(log.FieldAddr, r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.serve(conn)
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	req, agentID, err := h.authenticate(conn)
	if err != nil {
		h.reject(conn, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	key := session.NewKey(agentID, req.ClassroomID)
	logger := h.logger.With().Str(log.FieldSessionKey, key.String()).Logger()

	if err := h.authorize(ctx, agentID, req.ClassroomID); err != nil {
		h.reject(conn, err)
		return
	}

	sess, err := h.createSession(ctx, key)
	if err != nil {
		h.reject(conn, err)
		return
	}

	ctrl := make(chan manager.ControlCommand, 1)
	if err := h.deps.Manager.Register(key, sess.ID, ctrl); err != nil {
		h.reject(conn, apperror.New(apperror.KindInternalServerError, err))
		return
	}

	if err := h.write(conn, connectSuccessFrame()); err != nil {
		logger.Warn().Err(err).Msg("failed to deliver connect_success")
		h.teardown(sess, false)
		return
	}

	sub, err := h.deps.Broker.Subscribe(ctx, req.ClassroomID)
	if err != nil {
		h.reject(conn, apperror.New(apperror.KindInternalServerError, err))
		h.teardown(sess, false)
		return
	}

	if sess.Kind == session.KindNew {
		if err := h.deps.Broker.PublishAgentEvent(ctx, key, sess.ID, broker.OpEntered); err != nil {
			sub.Close()
			h.reject(conn, apperror.New(apperror.KindInternalServerError, err))
			h.teardown(sess, false)
			return
		}
	}

	metrics.IncConnectionSuccess()
	metrics.WsConnectionTotal.Inc()
	defer metrics.WsConnectionTotal.Dec()

	logger.Info().
		Str(log.FieldEvent, "session.established").
		Int64(log.FieldSessionID, int64(sess.ID)).
		Str("kind", sess.Kind.String()).
		Msg("session established")

	h.run(conn, sess, ctrl, sub, logger)
}

// authenticate runs state 0: one text frame with a valid connect_request and
// a decodable token, inside the authentication window.
func (h *Handler) authenticate(conn *websocket.Conn) (ConnectRequest, agent.ID, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.deps.Config.AuthenticationTimeout.Std()))

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ConnectRequest{}, agent.ID{}, apperror.New(apperror.KindAuthTimedOut, err)
		}
		return ConnectRequest{}, agent.ID{}, apperror.New(apperror.KindUnsupportedRequest, err)
	}
	if messageType != websocket.TextMessage {
		return ConnectRequest{}, agent.ID{}, apperror.Newf(apperror.KindUnsupportedRequest, "first frame must be text, got type %d", messageType)
	}

	req, err := parseConnectRequest(data)
	if err != nil {
		return ConnectRequest{}, agent.ID{}, apperror.New(apperror.KindUnsupportedRequest, err)
	}

	account, err := h.deps.Verifier.VerifyToken(req.Token)
	if err != nil {
		return ConnectRequest{}, agent.ID{}, apperror.New(apperror.KindUnauthenticated, err)
	}

	_ = conn.SetReadDeadline(time.Time{})
	return req, agent.NewID(req.AgentLabel, account), nil
}

// authorize asks the decision backend for "connect" on the classroom, mapping
// the token audience onto the configured one by longest suffix first.
func (h *Handler) authorize(ctx context.Context, agentID agent.ID, classroomID classroom.ID) error {
	audience := authz.NormalizeAudience(agentID.Account.Audience)
	if known := h.deps.Estimator.Estimate(audience); known != "" {
		audience = known
	}

	err := h.deps.Authorizer.Authorize(ctx, audience, agentID.Account, []string{"classrooms", classroomID.String()}, "connect")
	if errors.Is(err, authz.ErrForbidden) {
		return apperror.New(apperror.KindAccessDenied, err)
	}
	if err != nil {
		return apperror.New(apperror.KindInternalServerError, err)
	}
	return nil
}

// createSession claims the session key in the ledger, displacing a prior
// holder locally or on a peer replica when the unique index says one exists.
func (h *Handler) createSession(ctx context.Context, key session.Key) (session.Session, error) {
	now := time.Now()

	row, err := h.deps.Ledger.InsertSession(ctx, key, h.deps.ReplicaID, now)
	if err == nil {
		return session.New(row.ID, key, session.KindNew), nil
	}
	if !errors.Is(err, db.ErrUniqueViolation) {
		return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
	}

	// The key is held. Try the local session map first.
	res, err := h.deps.Manager.Terminate(ctx, key)
	if err != nil {
		return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
	}
	if res.Found {
		return session.New(res.ID, key, session.KindReplaced), nil
	}

	// A peer replica holds it.
	if err := h.deps.Peer.DeleteSession(ctx, key); err != nil {
		return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
	}

	prior, err := h.deps.Ledger.GetSessionByKey(ctx, key)
	switch {
	case err == nil:
		// Inherit the displaced session's row so the SessionId and the
		// original started_at stay stable.
		if err := h.deps.Ledger.UpdateSessionReplica(ctx, prior.ID, h.deps.ReplicaID); err != nil {
			return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
		}
		return session.New(prior.ID, key, session.KindReplaced), nil
	case errors.Is(err, db.ErrNotFound):
		// The peer moved the row to history before dying; claim fresh.
		row, err := h.deps.Ledger.InsertSession(ctx, key, h.deps.ReplicaID, now)
		if errors.Is(err, db.ErrUniqueViolation) {
			return session.Session{}, apperror.Newf(apperror.KindInternalServerError, "session key %s is still contested after takeover", key)
		}
		if err != nil {
			return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
		}
		return session.New(row.ID, key, session.KindNew), nil
	default:
		return session.Session{}, apperror.New(apperror.KindInternalServerError, err)
	}
}

type frame struct {
	messageType int
	data        []byte
	err         error
}

// run is state 2: the steady loop over bus messages, client frames, ping
// liveness and manager control commands.
func (h *Handler) run(conn *websocket.Conn, sess session.Session, ctrl <-chan manager.ControlCommand, sub Subscription, logger zerolog.Logger) {
	defer sub.Close()

	stop := make(chan struct{})
	defer close(stop)

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	frames := make(chan frame, 1)
	go func() {
		for {
			messageType, data, err := conn.ReadMessage()
			select {
			case frames <- frame{messageType: messageType, data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.deps.Config.PingInterval.Std())
	defer pingTicker.Stop()
	pongDeadline := time.NewTimer(time.Duration(1<<63 - 1))
	defer pongDeadline.Stop()

	pingSent := false
	terminating := false

loop:
	for {
		select {
		case msg := <-sub.Messages():
			if msg.Internal || msg.SenderID == sess.Key.AgentID {
				continue
			}
			if msg.ReceiverID != nil && *msg.ReceiverID != sess.Key.AgentID {
				continue
			}
			data, err := eventFrame(msg.EventID.String(), msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping unforwardable bus message")
				continue
			}
			if err := h.write(conn, data); err != nil {
				logger.Warn().Err(err).Msg("forwarding to client failed")
				break loop
			}

		case fr := <-frames:
			if fr.err != nil {
				if !websocket.IsCloseError(fr.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug().Err(fr.err).Msg("client read ended")
				}
				break loop
			}
			// Client text and binary frames carry no protocol meaning.

		case <-pongs:
			pingSent = false
			if !pongDeadline.Stop() {
				select {
				case <-pongDeadline.C:
				default:
				}
			}

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping failed")
				break loop
			}
			// The deadline is armed by the first ping after a pong and must
			// not be pushed back while that ping is still unanswered.
			if !pingSent {
				pingSent = true
				if !pongDeadline.Stop() {
					select {
					case <-pongDeadline.C:
					default:
					}
				}
				pongDeadline.Reset(h.deps.Config.PongExpirationInterval.Std())
			}

		case <-pongDeadline.C:
			logger.Info().Str(log.FieldEvent, "session.pong_timeout").Msg("client missed pong")
			h.notify(conn, apperror.KindPongTimedOut)
			break loop

		case cmd := <-ctrl:
			switch cmd {
			case manager.Close:
				// Displaced: the successor owns the key and its ledger row.
				h.notify(conn, apperror.KindReplaced)
				return
			case manager.Terminate:
				h.notify(conn, apperror.KindTerminated)
				terminating = true
			}
		}
	}

	if terminating {
		return
	}
	h.teardown(sess, true)
}

// teardown runs the exit sequence. Steps are independent: each failure is
// logged and reported without blocking the next.
func (h *Handler) teardown(sess session.Session, publishLeft bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	logger := h.logger.With().Str(log.FieldSessionKey, sess.Key.String()).Logger()

	if publishLeft {
		if err := h.deps.Broker.PublishAgentEvent(ctx, sess.Key, sess.ID, broker.OpLeft); err != nil {
			logger.Error().Err(err).Msg("failed to publish left event")
			apperror.New(apperror.KindInternalServerError, err).Notify()
		}
	}

	if _, err := h.deps.Manager.Terminate(ctx, sess.Key); err != nil && !errors.Is(err, manager.ErrClosed) {
		logger.Error().Err(err).Msg("failed to deregister session")
		apperror.New(apperror.KindInternalServerError, err).Notify()
	}

	if err := h.deps.Mover.MoveSingleSession(ctx, sess.ID); err != nil {
		logger.Error().Err(err).Msg("failed to move session to history")
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			appErr.Notify()
		}
	}
}

// reject closes the connect attempt with exactly one tagged error frame.
func (h *Handler) reject(conn *websocket.Conn, err error) {
	kind := apperror.KindOf(err)

	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		appErr.Notify()
	}

	h.logger.Info().
		Err(err).
		Str(log.FieldEvent, "session.rejected").
		Str("kind", kind.Label()).
		Msg("connection rejected")
	metrics.IncConnectionError()
	h.notify(conn, kind)
}

func (h *Handler) notify(conn *websocket.Conn, kind apperror.Kind) {
	_ = h.write(conn, errorFrame(kind))
}

func (h *Handler) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
