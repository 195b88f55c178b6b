// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawgate/platform/directory"
	"clawgate/platform/gatewayrpc"
)

// fakeInstance is a WebSocket endpoint playing the gateway instance's side
// of the handshake.
type fakeInstance struct {
	t          *testing.T
	secret     string
	silent     bool // never emit the challenge
	reject     bool // answer the connect request with ok:false
	closeEarly bool // close the socket before emitting the challenge
	closeRun   bool // close the socket right after a successful handshake

	upgrader websocket.Upgrader
	received chan []byte   // frames arriving after the handshake
	closed   chan struct{} // closed when the server-side read loop exits
}

func newFakeInstance(t *testing.T, secret string) *fakeInstance {
	return &fakeInstance{
		t:        t,
		secret:   secret,
		received: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	defer close(f.closed)

	if f.closeEarly {
		return
	}

	if f.silent {
		// Hold the socket open without ever challenging
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	challenge, err := gatewayrpc.MarshalFrame(gatewayrpc.Event{Event: gatewayrpc.EventChallenge})
	require.NoError(f.t, err)
	if conn.WriteMessage(websocket.TextMessage, challenge) != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	frame, err := gatewayrpc.ParseFrame(data)
	require.NoError(f.t, err)
	req, ok := frame.(gatewayrpc.Request)
	require.True(f.t, ok, "expected a connect request, got %T", frame)
	require.Equal(f.t, gatewayrpc.MethodConnect, req.Method)
	require.Equal(f.t, gatewayrpc.ConnectCorrelationID, req.ID)

	var params gatewayrpc.ConnectParams
	require.NoError(f.t, json.Unmarshal(req.Params, &params))

	accept := !f.reject && params.Auth.Token == f.secret
	res := gatewayrpc.Response{ID: req.ID, OK: accept}
	if !accept {
		res.Error = &gatewayrpc.RPCError{Message: "bad credentials"}
	}
	payload, err := gatewayrpc.MarshalFrame(res)
	require.NoError(f.t, err)
	if conn.WriteMessage(websocket.TextMessage, payload) != nil {
		return
	}
	if !accept {
		return
	}

	if f.closeRun {
		return
	}

	// Echo every frame back so tests can observe both directions
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.received <- data
		if conn.WriteMessage(messageType, data) != nil {
			return
		}
	}
}

// relayHarness wires a broker relay to a fake instance
type relayHarness struct {
	broker   *httptest.Server
	instance *fakeInstance
	relay    *Relay
	repo     *memRepo
}

func newRelayHarness(t *testing.T, instance *fakeInstance) *relayHarness {
	t.Helper()

	instanceSrv := httptest.NewServer(instance)
	t.Cleanup(instanceSrv.Close)

	u, err := url.Parse(instanceSrv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	now := time.Now().UTC()
	repo := newMemRepo(&directory.Instance{
		ID:        "inst-1",
		UserID:    "user-1",
		Host:      host,
		Port:      port,
		Secret:    instance.secret,
		Status:    directory.StatusClaimed,
		ClaimedAt: &now,
	})

	relay := NewRelay(repo, NewAuthenticator(testJWTSecret))
	relay.HandshakeTimeout = 500 * time.Millisecond

	brokerSrv := httptest.NewServer(relay)
	t.Cleanup(brokerSrv.Close)

	return &relayHarness{broker: brokerSrv, instance: instance, relay: relay, repo: repo}
}

func (h *relayHarness) dialBrowser(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token := signToken(t, jwt.MapClaims{"user_id": userID}, testJWTSecret)
	wsURL := "ws" + strings.TrimPrefix(h.broker.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) gatewayrpc.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := gatewayrpc.ParseFrame(data)
	require.NoError(t, err)
	ev, ok := frame.(gatewayrpc.Event)
	require.True(t, ok, "expected an event frame, got %s", data)
	return ev
}

func TestRelayEndToEnd(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	browser := h.dialBrowser(t, "user-1")

	ev := readEvent(t, browser)
	assert.Equal(t, EventProxyReady, ev.Event, "browser must not assume readiness from the socket opening")

	// Caller frame reaches the instance byte for byte
	sent := []byte(`{"type":"req","id":"r1","method":"chat.send","params":{"message":"hi"}}`)
	require.NoError(t, browser.WriteMessage(websocket.TextMessage, sent))

	select {
	case got := <-instance.received:
		assert.Equal(t, sent, got, "frames must pass through verbatim")
	case <-time.After(3 * time.Second):
		t.Fatal("instance never received the frame")
	}

	// The echo comes back verbatim too
	require.NoError(t, browser.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, echoed, err := browser.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, sent, echoed)
}

func TestRelayRejectsBadToken(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	wsURL := "ws" + strings.TrimPrefix(h.broker.URL, "http") + "/?token=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake, "rejection must happen before the upgrade")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayNoClaimedInstance(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	token := signToken(t, jwt.MapClaims{"user_id": "user-without-instance"}, testJWTSecret)
	wsURL := "ws" + strings.TrimPrefix(h.broker.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelayHandshakeTimeout(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	instance.silent = true
	h := newRelayHarness(t, instance)

	browser := h.dialBrowser(t, "user-1")

	ev := readEvent(t, browser)
	assert.Equal(t, EventError, ev.Event, "timeout surfaces as a single error event")

	// Nothing else follows; the socket closes
	require.NoError(t, browser.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := browser.ReadMessage()
	assert.Error(t, err)

	// No session survives the failed attempt
	require.Eventually(t, func() bool {
		return h.relay.Registry().Get("user-1") == nil
	}, 3*time.Second, 20*time.Millisecond)
}

// TestRelayHandshakeTransportFailure verifies an instance that drops the
// socket mid-handshake is counted as a transport failure, not a timeout.
func TestRelayHandshakeTransportFailure(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	instance.closeEarly = true
	h := newRelayHarness(t, instance)

	timeoutsBefore := testutil.ToFloat64(promRelayErrors.WithLabelValues("handshake_timeout"))
	transportsBefore := testutil.ToFloat64(promRelayErrors.WithLabelValues("handshake_transport"))

	browser := h.dialBrowser(t, "user-1")

	ev := readEvent(t, browser)
	assert.Equal(t, EventError, ev.Event)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(promRelayErrors.WithLabelValues("handshake_transport")) == transportsBefore+1
	}, 3*time.Second, 20*time.Millisecond, "an active close is not a timeout")
	assert.Equal(t, timeoutsBefore, testutil.ToFloat64(promRelayErrors.WithLabelValues("handshake_timeout")))
}

// TestRelayDialRespectsHandshakeBudget verifies a stalled WebSocket upgrade
// on the instance leg gives up within the configured handshake timeout
// instead of the dialer's default.
func TestRelayDialRespectsHandshakeBudget(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	// Accept TCP connections but never answer the upgrade request.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	h.repo.mu.Lock()
	h.repo.instances["inst-1"].Port = port
	h.repo.mu.Unlock()

	browser := h.dialBrowser(t, "user-1")

	start := time.Now()
	ev := readEvent(t, browser)
	assert.Equal(t, EventError, ev.Event)
	assert.Less(t, time.Since(start), 3*time.Second, "dial must fail within the handshake budget")
}

func TestRelayHandshakeRejected(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	instance.reject = true
	h := newRelayHarness(t, instance)

	browser := h.dialBrowser(t, "user-1")

	ev := readEvent(t, browser)
	assert.Equal(t, EventError, ev.Event)

	require.Eventually(t, func() bool {
		return h.relay.Registry().Get("user-1") == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRelayInstanceUnreachable(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	// Point the directory at a port nobody listens on
	h.repo.mu.Lock()
	h.repo.instances["inst-1"].Port = 1
	h.repo.mu.Unlock()

	browser := h.dialBrowser(t, "user-1")
	ev := readEvent(t, browser)
	assert.Equal(t, EventError, ev.Event)
}

func TestRelayInstanceDisconnect(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	instance.closeRun = true
	h := newRelayHarness(t, instance)

	browser := h.dialBrowser(t, "user-1")

	ev := readEvent(t, browser)
	require.Equal(t, EventProxyReady, ev.Event)

	ev = readEvent(t, browser)
	assert.Equal(t, EventProxyDisconnected, ev.Event, "upstream close must be surfaced, not silent")
}

func TestRelayBrowserCloseTearsDownInstanceLeg(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	browser := h.dialBrowser(t, "user-1")
	ev := readEvent(t, browser)
	require.Equal(t, EventProxyReady, ev.Event)

	require.NoError(t, browser.Close())

	select {
	case <-instance.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("instance leg left orphaned after browser close")
	}

	require.Eventually(t, func() bool {
		return h.relay.Registry().Get("user-1") == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRelaySecondConnectionReplacesFirst(t *testing.T) {
	instance := newFakeInstance(t, "inst-secret")
	h := newRelayHarness(t, instance)

	first := h.dialBrowser(t, "user-1")
	ev := readEvent(t, first)
	require.Equal(t, EventProxyReady, ev.Event)

	// The fake instance serves one connection; give the second session its
	// own upstream endpoint.
	second := newFakeInstance(t, "inst-secret")
	secondSrv := httptest.NewServer(second)
	defer secondSrv.Close()
	u, err := url.Parse(secondSrv.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	h.repo.mu.Lock()
	h.repo.instances["inst-1"].Port = port
	h.repo.mu.Unlock()

	replacement := h.dialBrowser(t, "user-1")
	ev = readEvent(t, replacement)
	require.Equal(t, EventProxyReady, ev.Event)

	// The first browser connection dies; synthetic frames may precede the
	// close depending on which leg the teardown hits first.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement keeps relaying
	sent := []byte(`{"type":"req","id":"r2","method":"chat.send","params":{}}`)
	require.NoError(t, replacement.WriteMessage(websocket.TextMessage, sent))
	select {
	case got := <-second.received:
		assert.Equal(t, sent, got)
	case <-time.After(3 * time.Second):
		t.Fatal("replacement session is not relaying")
	}
}
