// Package server exposes the checkbox service over HTTP.
//
// Routes:
//
//	GET /ws       websocket upgrade, one Session per connection
//	GET /healthz  liveness
//	GET /metrics  Prometheus metrics, when a gatherer is configured
package server

import (
	"net/http"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/gateway"
	"github.com/ochmanski/tenmillioncheckboxes/internal/protocol"
	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"
	"github.com/ochmanski/tenmillioncheckboxes/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// WSPath is the websocket route.
const WSPath = "/ws"

// Server accepts client connections and wires each to a Session.
type Server struct {
	gw           gateway.Gateway
	relay        *relay.Relay
	logger       logrus.FieldLogger
	storeTimeout time.Duration
	gatherer     prometheus.Gatherer
	upgrader     websocket.Upgrader
}

// Cfg configures a Server.
type Cfg func(*Server) error

// WithGateway sets the shared state gateway handed to every session.
func WithGateway(gw gateway.Gateway) Cfg {
	return func(s *Server) error {
		s.gw = gw
		return nil
	}
}

// WithRelay sets the process-wide relay sessions subscribe to.
func WithRelay(r *relay.Relay) Cfg {
	return func(s *Server) error {
		s.relay = r
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Cfg {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithStoreTimeout bounds each gateway call made by a session.
func WithStoreTimeout(d time.Duration) Cfg {
	return func(s *Server) error {
		s.storeTimeout = d
		return nil
	}
}

// WithGatherer serves the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Cfg {
	return func(s *Server) error {
		s.gatherer = g
		return nil
	}
}

// NewServer creates a Server with the given configuration.
func NewServer(cfgs ...Cfg) (*Server, error) {
	s := &Server{
		logger: logrus.StandardLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, errors.Wrap(err, "apply Server cfg failed")
		}
	}
	if s.gw == nil {
		return nil, errors.New("server needs a gateway")
	}
	if s.relay == nil {
		return nil, errors.New("server needs a relay")
	}
	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(WSPath, s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithField("remote", r.RemoteAddr)
	// Subscribe before the handshake completes so the client cannot observe
	// an open socket that misses changes.
	sub := s.relay.Subscribe()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		logger.WithError(err).Warn("websocket handshake failed")
		return
	}

	sess, err := session.NewSession(
		session.WithConn(conn),
		session.WithGateway(s.gw),
		session.WithSubscription(sub),
		session.WithLogger(logger),
		session.WithStoreTimeout(s.storeTimeout),
	)
	if err != nil {
		logger.WithError(err).Error("create session failed")
		sub.Close()
		_ = conn.Close()
		return
	}
	logger = logger.WithField("session", sess.ID().String())
	logger.Info("new websocket connection established")

	err = sess.Run(r.Context())
	switch {
	case err == nil:
		logger.Info("websocket connection closed")
	case errors.Is(err, protocol.ErrDecode):
		logger.WithError(err).Warn("websocket connection dropped on malformed frame")
	case errors.Is(err, gateway.ErrStoreUnavailable):
		logger.WithError(err).Error("websocket connection dropped on store failure")
	default:
		logger.WithError(err).Info("websocket connection closed")
	}
}
