// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package gatewayrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clawgate/platform/shared/logger"
)

const (
	// DefaultConnectTimeout bounds dialing plus the challenge/connect
	// handshake
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCallTimeout bounds each individual call independently of the
	// connection-level timeout
	DefaultCallTimeout = 15 * time.Second

	// RoleOperator is the role the server process requests for
	// administrative calls
	RoleOperator = "operator"
)

// OperatorScopes are the scopes requested for administrative connections
var OperatorScopes = []string{"admin", "usage"}

// Client is a short-lived administrative RPC client for one gateway
// instance. It owns its own correlation-id space and pending table; it is
// safe for concurrent Call use and must be disposed with Close.
type Client struct {
	conn        *websocket.Conn
	log         *logger.Logger
	callTimeout time.Duration

	writeMu sync.Mutex // gorilla conns allow one concurrent writer

	pendingMu sync.Mutex
	pending   map[string]chan Response

	closed    chan struct{}
	closeOnce sync.Once

	// onEvent, when set before Dial returns, receives every event frame
	// the instance pushes after the handshake
	onEvent func(Event)
}

// DialOption customizes a Client
type DialOption func(*Client)

// WithCallTimeout overrides the per-call deadline
func WithCallTimeout(d time.Duration) DialOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithEventHandler subscribes to post-handshake event frames
func WithEventHandler(fn func(Event)) DialOption {
	return func(c *Client) { c.onEvent = fn }
}

// Dial opens a connection to the instance at addr, waits for its
// connect.challenge event, performs the bootstrap connect call with the
// per-instance secret, and returns a ready client. The whole sequence is
// bounded by DefaultConnectTimeout (and by ctx).
func Dial(ctx context.Context, addr, secret string, opts ...DialOption) (*Client, error) {
	c := &Client{
		log:         logger.New("gatewayrpc"),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]chan Response),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, "ws://"+addr+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	c.conn = conn

	if err := c.handshake(dialCtx, secret); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// handshake runs the synchronous challenge/connect exchange. The instance
// speaks first; nothing it sends before the challenge is meaningful.
func (c *Client) handshake(ctx context.Context, secret string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultConnectTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	// Wait for the challenge, skipping any frame that is not it.
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for challenge: %v", ErrUpstreamUnreachable, err)
		}
		frame, err := ParseFrame(data)
		if err != nil {
			continue
		}
		if ev, isEvent := frame.(Event); isEvent && ev.Event == EventChallenge {
			break
		}
	}

	connectReq, err := NewConnectRequest(secret, RoleOperator, OperatorScopes)
	if err != nil {
		return err
	}
	if err := c.writeFrame(connectReq); err != nil {
		return fmt.Errorf("%w: sending connect: %v", ErrUpstreamUnreachable, err)
	}

	// Await the response matched by the reserved bootstrap id.
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for connect response: %v", ErrUpstreamUnreachable, err)
		}
		frame, err := ParseFrame(data)
		if err != nil {
			continue
		}
		res, isRes := frame.(Response)
		if !isRes || res.ID != ConnectCorrelationID {
			continue
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("%w: %s", ErrHandshakeRejected, res.Error.Message)
			}
			return ErrHandshakeRejected
		}
		break
	}

	// Clear the handshake deadline; the read loop blocks indefinitely.
	return c.conn.SetReadDeadline(time.Time{})
}

// Call issues one request and awaits its response. A per-call timeout
// cancels only this pending entry; other in-flight calls on the same
// connection are unaffected.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(Request{ID: id, Method: method, Params: raw}); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, &RPCError{Message: "request failed"}
		}
		return res.Payload, nil

	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRPCTimeout, method, c.callTimeout)

	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()

	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

// ConfigGet fetches the instance configuration
func (c *Client) ConfigGet(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, MethodConfigGet, nil)
}

// ConfigPatch applies a partial configuration update (channel enablement,
// dmPolicy/allowFrom; semantics owned by the instance)
func (c *Client) ConfigPatch(ctx context.Context, patch interface{}) (json.RawMessage, error) {
	return c.Call(ctx, MethodConfigPatch, patch)
}

// UsageReport queries cumulative usage totals over the lookback window
func (c *Client) UsageReport(ctx context.Context, lookback time.Duration) (*UsageReport, error) {
	hours := int(lookback.Hours())
	if hours < 1 {
		hours = 1
	}

	payload, err := c.Call(ctx, MethodUsageReport, UsageReportParams{LookbackHours: hours})
	if err != nil {
		return nil, err
	}

	var report UsageReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("failed to decode usage report: %w", err)
	}

	return &report, nil
}

// Close disposes the client. All pending calls are cancelled with
// ErrConnectionClosed rather than left hanging.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()

		c.pendingMu.Lock()
		for id := range c.pending {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}

// readLoop dispatches response frames by correlation id and event frames to
// the subscriber. Responses may arrive in any order relative to requests;
// the pending table matches by id, not position.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			_ = c.Close()
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.log.Warn("", "", "dropping malformed frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		switch fr := frame.(type) {
		case Response:
			c.pendingMu.Lock()
			ch, ok := c.pending[fr.ID]
			if ok {
				delete(c.pending, fr.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- fr
			}

		case Event:
			if c.onEvent != nil {
				c.onEvent(fr)
			}

		case Request:
			// The instance never calls the administrative client.
		}
	}
}

func (c *Client) writeFrame(f Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
