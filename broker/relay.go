// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package broker relays browser WebSocket sessions to the user's claimed
// gateway instance. The broker authenticates the browser, performs the
// instance handshake on the caller's behalf using the per-instance secret,
// then pipes frames through verbatim in both directions.
package broker

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"clawgate/platform/directory"
	"clawgate/platform/gatewayrpc"
	"clawgate/platform/shared/logger"
)

// DefaultHandshakeTimeout bounds the wait for the instance challenge and the
// bootstrap connect response. Exceeding it is terminal for the connection;
// retrying is the browser client's job.
const DefaultHandshakeTimeout = 15 * time.Second

// Synthetic event names the broker generates locally on the browser leg.
// The browser client special-cases these three before treating anything
// else as a transparent instance event.
const (
	EventProxyReady        = "proxy-ready"
	EventProxyDisconnected = "proxy.disconnected"
	EventError             = "error"
)

var (
	promSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawgate_broker_sessions",
			Help: "Live relay sessions",
		},
	)
	promRelayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_broker_relay_frames_total",
			Help: "Frames piped through the relay by direction",
		},
		[]string{"direction"},
	)
	promHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawgate_broker_handshake_duration_milliseconds",
			Help:    "Instance handshake duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 5000, 15000},
		},
	)
	promRelayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_broker_relay_errors_total",
			Help: "Relay failures by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(promSessions)
	prometheus.MustRegister(promRelayFrames)
	prometheus.MustRegister(promHandshakeDuration)
	prometheus.MustRegister(promRelayErrors)
}

// Relay is the WebSocket relay handler
type Relay struct {
	repo     directory.Repository
	auth     *Authenticator
	registry *Registry
	log      *logger.Logger

	upgrader websocket.Upgrader

	// HandshakeTimeout may be lowered in tests
	HandshakeTimeout time.Duration
}

func NewRelay(repo directory.Repository, auth *Authenticator) *Relay {
	return &Relay{
		repo:     repo,
		auth:     auth,
		registry: NewRegistry(),
		log:      logger.New("broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the edge; tokens gate access here
			CheckOrigin: func(*http.Request) bool { return true },
		},
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Registry exposes the session registry for metrics and admin introspection
func (rl *Relay) Registry() *Registry {
	return rl.registry
}

// ServeHTTP handles GET /ws. Authentication failures reject before the
// upgrade completes; the browser never sees an accepted-then-dropped socket
// for a bad token.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := rl.auth.Verify(TokenFromRequest(r))
	if err != nil {
		promRelayErrors.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	inst, err := rl.repo.GetByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, directory.ErrInstanceNotFound) {
			promRelayErrors.WithLabelValues("no_instance").Inc()
			http.Error(w, "no claimed instance", http.StatusServiceUnavailable)
			return
		}
		rl.log.Error(userID, "", "instance lookup failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "directory unavailable", http.StatusInternalServerError)
		return
	}

	browser, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}

	session := newSession(userID, browser)
	rl.registry.Replace(session)
	promSessions.Inc()
	defer promSessions.Dec()
	defer rl.registry.Remove(session)
	defer session.Close()

	rl.log.Info(userID, "", "relay session opened", map[string]interface{}{"instance_id": inst.ID})
	rl.run(session, inst)
	rl.log.Info(userID, "", "relay session closed", nil)
}

func (rl *Relay) run(s *Session, inst *directory.Instance) {
	// The instance dial shares the handshake budget; a stalled upgrade must
	// not hold the browser longer than a stalled challenge would.
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: rl.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial("ws://"+inst.Addr()+"/", nil)
	if err != nil {
		promRelayErrors.WithLabelValues("dial").Inc()
		rl.log.Error(s.UserID, "", "instance dial failed", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		rl.sendSynthetic(s, EventError, map[string]string{"message": "instance unreachable"})
		return
	}

	if !s.bindInstance(conn) {
		// Replaced while dialing
		_ = conn.Close()
		return
	}

	buffered, err := rl.handshake(s, conn, inst)
	if err != nil {
		rl.log.Error(s.UserID, "", "instance handshake failed", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
		rl.sendSynthetic(s, EventError, map[string]string{"message": "handshake failed"})
		return
	}

	rl.sendSynthetic(s, EventProxyReady, nil)
	for _, frame := range buffered {
		if s.writeBrowser(websocket.TextMessage, frame) != nil {
			return
		}
		promRelayFrames.WithLabelValues("instance_to_browser").Inc()
	}

	rl.pipe(s, conn)
}

// handshake drives the instance bootstrap: wait for the challenge event,
// answer with the connect request carrying the per-instance secret, and wait
// for the matching response. Instance frames that are not part of the
// handshake are returned in arrival order for delivery after the ready
// event. The whole exchange shares one hard deadline.
func (rl *Relay) handshake(s *Session, conn *websocket.Conn, inst *directory.Instance) ([][]byte, error) {
	start := time.Now()
	if err := conn.SetReadDeadline(start.Add(rl.HandshakeTimeout)); err != nil {
		return nil, err
	}

	var buffered [][]byte
	sentConnect := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				promRelayErrors.WithLabelValues("handshake_timeout").Inc()
				return nil, gatewayrpc.ErrRPCTimeout
			}
			promRelayErrors.WithLabelValues("handshake_transport").Inc()
			return nil, gatewayrpc.ErrConnectionClosed
		}

		frame, err := gatewayrpc.ParseFrame(data)
		if err != nil {
			// Not a protocol frame; hold it for the browser
			buffered = append(buffered, data)
			continue
		}

		switch f := frame.(type) {
		case gatewayrpc.Event:
			if f.Event == gatewayrpc.EventChallenge && !sentConnect {
				req, err := gatewayrpc.NewConnectRequest(inst.Secret, gatewayrpc.RoleOperator, gatewayrpc.OperatorScopes)
				if err != nil {
					return nil, err
				}
				payload, err := gatewayrpc.MarshalFrame(req)
				if err != nil {
					return nil, err
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return nil, err
				}
				sentConnect = true
				continue
			}
			buffered = append(buffered, data)

		case gatewayrpc.Response:
			if f.ID == gatewayrpc.ConnectCorrelationID {
				if !f.OK {
					promRelayErrors.WithLabelValues("handshake_rejected").Inc()
					return nil, gatewayrpc.ErrHandshakeRejected
				}
				if err := conn.SetReadDeadline(time.Time{}); err != nil {
					return nil, err
				}
				promHandshakeDuration.Observe(float64(time.Since(start).Milliseconds()))
				return buffered, nil
			}
			buffered = append(buffered, data)

		default:
			buffered = append(buffered, data)
		}
	}
}

// pipe runs the byte-transparent phase, one goroutine per direction so each
// direction keeps its own ordering.
func (rl *Relay) pipe(s *Session, instance *websocket.Conn) {
	instanceDown := make(chan struct{})

	go func() {
		defer close(instanceDown)
		for {
			messageType, data, err := instance.ReadMessage()
			if err != nil {
				return
			}
			if s.writeBrowser(messageType, data) != nil {
				return
			}
			promRelayFrames.WithLabelValues("instance_to_browser").Inc()
		}
	}()

	browserDown := make(chan struct{})
	go func() {
		defer close(browserDown)
		for {
			messageType, data, err := s.browser.ReadMessage()
			if err != nil {
				return
			}
			if instance.WriteMessage(messageType, data) != nil {
				return
			}
			promRelayFrames.WithLabelValues("browser_to_instance").Inc()
		}
	}()

	select {
	case <-instanceDown:
		// The browser may still be up; tell it the upstream went away
		rl.sendSynthetic(s, EventProxyDisconnected, nil)
	case <-browserDown:
		// No orphaned upstream sockets
	case <-s.done:
	}
	s.Close()
	<-instanceDown
	<-browserDown
}

// sendSynthetic emits a broker-generated event on the browser leg. Failures
// are ignored; the session is torn down regardless.
func (rl *Relay) sendSynthetic(s *Session, event string, payload interface{}) {
	ev := gatewayrpc.Event{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		ev.Payload = raw
	}
	data, err := gatewayrpc.MarshalFrame(ev)
	if err != nil {
		return
	}
	_ = s.writeBrowser(websocket.TextMessage, data)
}
