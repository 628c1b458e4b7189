// Package session runs one client connection.
//
// A Session owns two loops over the same websocket. The inbound loop reads
// frames, answers range queries, and applies mutations: persist, publish on
// the change bus, then echo the original text back to the sender. The relay
// loop writes every change the process-wide relay hands it. Writes from both
// loops go through one mutex.
//
// Only the inbound loop can end a session. A malformed frame, a store failure
// or a socket error on read or on the inbound write closes the connection
// without an explanation frame. A failed relay write is logged and skipped.
// Senders see their own change twice: once as the echo and once relayed.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/metrics"
	"github.com/ochmanski/tenmillioncheckboxes/internal/protocol"
	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Conn is the subset of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is the live state of one client connection.
type Session struct {
	id           uuid.UUID
	conn         Conn
	gw           gateway.Gateway
	sub          *relay.Subscription
	logger       logrus.FieldLogger
	storeTimeout time.Duration

	// writeMu serializes writes from the inbound and relay loops.
	writeMu sync.Mutex
	done    chan struct{}
}

// Cfg configures a Session.
type Cfg func(*Session) error

// WithConn sets the client connection.
func WithConn(conn Conn) Cfg {
	return func(s *Session) error {
		s.conn = conn
		return nil
	}
}

// WithGateway sets the shared state gateway.
func WithGateway(gw gateway.Gateway) Cfg {
	return func(s *Session) error {
		s.gw = gw
		return nil
	}
}

// WithSubscription sets the relay subscription. The session closes it.
func WithSubscription(sub *relay.Subscription) Cfg {
	return func(s *Session) error {
		s.sub = sub
		return nil
	}
}

// WithLogger sets the logger. The session adds its id as a field.
func WithLogger(logger logrus.FieldLogger) Cfg {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// WithStoreTimeout bounds every gateway call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Cfg {
	return func(s *Session) error {
		if d < 0 {
			return errors.Errorf("store timeout must not be negative, got %s", d)
		}
		s.storeTimeout = d
		return nil
	}
}

// NewSession creates a Session with the given configuration.
func NewSession(cfgs ...Cfg) (*Session, error) {
	s := &Session{
		id:     uuid.New(),
		logger: logrus.StandardLogger(),
		done:   make(chan struct{}),
	}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, errors.Wrap(err, "apply Session cfg failed")
		}
	}
	switch {
	case s.conn == nil:
		return nil, errors.New("session needs a connection")
	case s.gw == nil:
		return nil, errors.New("session needs a gateway")
	case s.sub == nil:
		return nil, errors.New("session needs a relay subscription")
	}
	s.logger = s.logger.WithField("session", s.id.String())
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Run serves the connection until the inbound loop ends, then releases the
// relay subscription and closes the connection. A clean close by the client
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.relayLoop()
	}()

	err := s.readLoop(ctx)

	close(s.done)
	s.sub.Close()
	if closeErr := s.conn.Close(); closeErr != nil {
		s.logger.WithError(closeErr).Debug("close connection failed")
	}
	wg.Wait()
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return nil
			}
			return errors.Wrap(err, "read frame failed")
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleFrame(ctx, string(data)); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, text string) error {
	if protocol.IsRangeQuery(text) {
		return s.handleRangeQuery(ctx, text)
	}
	return s.handleMutation(ctx, text)
}

func (s *Session) handleRangeQuery(ctx context.Context, text string) error {
	q, err := protocol.DecodeRangeQuery(text)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(metrics.FrameInvalid).Inc()
		return errors.Wrap(err, "decode range query failed")
	}
	metrics.FramesTotal.WithLabelValues(metrics.FrameRangeQuery).Inc()
	s.logger.WithFields(logrus.Fields{"start": q.Start, "end": q.End}).Debug("range query")

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	members, err := s.gw.RangeWithScores(storeCtx, gateway.GridKey, q.Start, q.End)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("range").Inc()
		return errors.Wrap(err, "range read failed")
	}
	entries := make([]protocol.Entry, len(members))
	for i, m := range members {
		entries[i] = protocol.Entry{Index: m.Index, Score: m.Score}
	}
	return errors.Wrap(s.write(protocol.EncodeRangeResponse(entries)), "write range response failed")
}

func (s *Session) handleMutation(ctx context.Context, text string) error {
	m, err := protocol.DecodeMutation(text)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(metrics.FrameInvalid).Inc()
		return errors.Wrap(err, "decode mutation failed")
	}
	metrics.FramesTotal.WithLabelValues(metrics.FrameMutation).Inc()
	s.logger.WithFields(logrus.Fields{"action": m.Action.String(), "index": m.Index}).Debug("mutation")

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.gw.SetScore(storeCtx, gateway.GridKey, m.Index, m.Action.Score()); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("set_score").Inc()
		return errors.Wrap(err, "set score failed")
	}
	if err := s.gw.Publish(storeCtx, gateway.ChangesTopic, m.Encode()); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("publish").Inc()
		return errors.Wrap(err, "publish change failed")
	}
	return errors.Wrap(s.write(text), "write echo failed")
}

func (s *Session) relayLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload, ok := <-s.sub.C():
			if !ok {
				return
			}
			metrics.FramesTotal.WithLabelValues(metrics.FrameRelayed).Inc()
			if err := s.write(payload); err != nil {
				s.logger.WithError(err).WithField("payload", payload).Error("send relayed change failed")
			}
		}
	}
}

func (s *Session) write(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *Session) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout > 0 {
		return context.WithTimeout(ctx, s.storeTimeout)
	}
	return context.WithCancel(ctx)
}
