// SPDX-License-Identifier: MIT

// Package broker multiplexes per-classroom subscriptions over the durable
// bus. Exactly one upstream ephemeral subscription exists per classroom,
// regardless of how many local sessions listen; a single-owner actor guards
// the subscription map.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/edgeroom/presence/internal/classroom"
	"github.com/edgeroom/presence/internal/config"
	"github.com/edgeroom/presence/internal/log"
	"github.com/edgeroom/presence/internal/metrics"
	"github.com/edgeroom/presence/internal/session"
)

const (
	cleanupTimeout = 10 * time.Minute
	cleanupPeriod  = time.Minute
	receiverBuffer = 50
)

// Publisher publishes presence events for a session.
type Publisher interface {
	PublishAgentEvent(ctx context.Context, key session.Key, id session.ID, operation string) error
}

// Subscriber yields per-classroom receivers multiplexed over one upstream
// subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, classroomID classroom.ID) (*Receiver, error)
}

type unsubscriber interface {
	Unsubscribe() error
}

type subscribeFunc func(subject string, ch chan *nats.Msg) (unsubscriber, error)

type subscribeReq struct {
	classroomID classroom.ID
	reply       chan subscribeResp
}

type subscribeResp struct {
	receiver *Receiver
	err      error
}

// Client is the broker adapter. Connect, then drive the actor with Run.
type Client struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	upstream subscribeFunc

	subCh  chan subscribeReq
	done   chan struct{}
	logger zerolog.Logger
}

// Connect dials the bus and prepares the adapter.
func Connect(cfg config.Nats) (*Client, error) {
	opts := []nats.Option{nats.Name("presence")}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	c := newClient(js)
	c.nc = nc
	return c, nil
}

func newClient(js nats.JetStreamContext) *Client {
	c := &Client{
		js:     js,
		subCh:  make(chan subscribeReq),
		done:   make(chan struct{}),
		logger: log.WithComponent("broker"),
	}
	c.upstream = c.subscribeEphemeral
	return c
}

func (c *Client) subscribeEphemeral(subject string, ch chan *nats.Msg) (unsubscriber, error) {
	// Ephemeral, deliver-new, no acks: live fan-out only, replay is not our
	// concern.
	return c.js.ChanSubscribe(subject, ch, nats.DeliverNew(), nats.AckNone())
}

// Run executes the subscription-map actor until ctx is cancelled. On exit
// every upstream subscription is torn down.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	subscriptions := make(map[classroom.ID]*subscription)
	cleanup := time.NewTicker(cleanupPeriod)
	defer cleanup.Stop()

	for {
		select {
		case req := <-c.subCh:
			req.reply <- c.handleSubscribe(subscriptions, req.classroomID)
		case <-cleanup.C:
			c.cleanup(subscriptions)
		case <-ctx.Done():
			for classroomID, sub := range subscriptions {
				sub.stop()
				delete(subscriptions, classroomID)
			}
			metrics.BrokerSubscriptions.Set(0)
			return nil
		}
	}
}

func (c *Client) handleSubscribe(subscriptions map[classroom.ID]*subscription, classroomID classroom.ID) subscribeResp {
	if sub, ok := subscriptions[classroomID]; ok {
		if receiver := sub.attach(); receiver != nil {
			return subscribeResp{receiver: receiver}
		}
		// No receivers are left; the entry is stale. Replace it.
		sub.stop()
		delete(subscriptions, classroomID)
	}

	subject := wildcardSubject(classroomID)
	msgCh := make(chan *nats.Msg, receiverBuffer)
	upstream, err := c.upstream(subject, msgCh)
	if err != nil {
		c.logger.Error().Err(err).
			Str(log.FieldSubject, subject).
			Msg("failed to create an ephemeral subscription")
		return subscribeResp{err: fmt.Errorf("subscribe upstream: %w", err)}
	}

	c.logger.Info().
		Str(log.FieldSubject, subject).
		Msg("subscribed upstream")

	sub := newSubscription(upstream)
	subscriptions[classroomID] = sub
	metrics.BrokerSubscriptions.Set(float64(len(subscriptions)))

	go c.forward(classroomID, msgCh, sub)

	return subscribeResp{receiver: sub.attach()}
}

// forward pumps upstream messages into the local receivers, stopping when
// the subscription is torn down.
func (c *Client) forward(classroomID classroom.ID, msgCh chan *nats.Msg, sub *subscription) {
	for {
		select {
		case msg := <-msgCh:
			parsed, err := parseMessage(msg)
			if err != nil {
				c.logger.Warn().Err(err).
					Str(log.FieldClassroomID, classroomID.String()).
					Msg("dropping malformed bus message")
				continue
			}
			sub.broadcast(parsed)
		case <-sub.stopped:
			return
		}
	}
}

func (c *Client) cleanup(subscriptions map[classroom.ID]*subscription) {
	for classroomID, sub := range subscriptions {
		if sub.idle(cleanupTimeout) {
			sub.stop()
			delete(subscriptions, classroomID)
			c.logger.Info().
				Str(log.FieldClassroomID, classroomID.String()).
				Msg("removed idle classroom subscription")
		}
	}
	metrics.BrokerSubscriptions.Set(float64(len(subscriptions)))
}

// Subscribe returns a receiver for the classroom's events.
func (c *Client) Subscribe(ctx context.Context, classroomID classroom.ID) (*Receiver, error) {
	req := subscribeReq{classroomID: classroomID, reply: make(chan subscribeResp, 1)}

	select {
	case c.subCh <- req:
	case <-c.done:
		return nil, fmt.Errorf("broker is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.receiver, resp.err
	case <-c.done:
		return nil, fmt.Errorf("broker is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishAgentEvent publishes an Entered/Left event for the session with the
// required typed headers. Deduplication is disabled on purpose.
func (c *Client) PublishAgentEvent(ctx context.Context, key session.Key, id session.ID, operation string) error {
	payload, err := json.Marshal(NewAgentEvent(key.AgentID))
	if err != nil {
		return fmt.Errorf("encode agent event: %w", err)
	}

	eventID := EventID{EntityType: entityAgent, Operation: operation, Sequence: int64(id)}
	msg := &nats.Msg{
		Subject: eventSubject(key.ClassroomID, entityAgent),
		Header:  buildHeader(key.AgentID, eventID),
		Data:    payload,
	}

	if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish agent event: %w", err)
	}
	return nil
}

// Close drains the underlying connection.
func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

// subscription is one upstream classroom subscription shared by all local
// receivers.
type subscription struct {
	upstream  unsubscriber
	createdAt time.Time
	stopped   chan struct{}

	mu        sync.Mutex
	receivers map[*Receiver]struct{}
	drained   bool
}

func newSubscription(upstream unsubscriber) *subscription {
	return &subscription{
		upstream:  upstream,
		createdAt: time.Now(),
		stopped:   make(chan struct{}),
		receivers: make(map[*Receiver]struct{}),
	}
}

// attach adds a receiver, or reports nil once the subscription drained and
// must be replaced.
func (s *subscription) attach() *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return nil
	}
	r := &Receiver{parent: s, ch: make(chan Message, receiverBuffer)}
	r.C = r.ch
	s.receivers[r] = struct{}{}
	return r
}

func (s *subscription) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r := range s.receivers {
		select {
		case r.ch <- msg:
		default:
			// A slow local consumer loses messages rather than stalling the
			// classroom fan-out.
		}
	}
}

func (s *subscription) detach(r *Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receivers, r)
	if len(s.receivers) == 0 {
		s.drained = true
	}
}

// idle reports whether the subscription has no receivers and outlived the
// timeout.
func (s *subscription) idle(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers) == 0 && time.Since(s.createdAt) >= timeout
}

func (s *subscription) stop() {
	if err := s.upstream.Unsubscribe(); err != nil {
		logger := log.WithComponent("broker")
		logger.Warn().Err(err).Msg("failed to unsubscribe upstream")
	}
	close(s.stopped)
}

// Receiver is one local subscriber's view of a classroom subscription.
type Receiver struct {
	// C delivers the classroom's bus messages.
	C      <-chan Message
	ch     chan Message
	parent *subscription
}

// Messages returns the receiver's delivery channel.
func (r *Receiver) Messages() <-chan Message {
	return r.C
}

// Close detaches the receiver. The last receiver marks the subscription for
// idle cleanup.
func (r *Receiver) Close() {
	r.parent.detach(r)
}
