package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/metrics"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/pkg/api"
)

const (
	maxMessageSize = 512 * 1024
	closeWait      = time.Second
)

// ConnState is the event channel state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnState) UnmarshalText(b []byte) error {
	for c := StateDisconnected; c <= StateReconnecting; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// ReconnectInfo announces a scheduled reconnect.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// OnMessage registers fn for every decoded envelope. Handlers run on the
// channel reader goroutine, one message at a time.
func (c *Client) OnMessage(fn func(api.Envelope)) func() { return c.messages.Subscribe(fn) }

// OnError registers fn for channel errors, including ErrMaxReconnectsExceeded.
func (c *Client) OnError(fn func(error)) func() { return c.errs.Subscribe(fn) }

func (c *Client) OnConnect(fn func()) func() {
	return c.connects.Subscribe(func(struct{}) { fn() })
}

// OnDisconnect registers fn for channel closes. The error is nil for a
// requested Disconnect.
func (c *Client) OnDisconnect(fn func(error)) func() { return c.disconnects.Subscribe(fn) }

func (c *Client) OnReconnect(fn func(ReconnectInfo)) func() { return c.reconnects.Subscribe(fn) }

func (c *Client) ConnectionState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts is the number of reconnects scheduled since the last
// successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the event channel. A failed dial is published to the error
// handlers, returned, and retried in the background with the Reconnect
// policy. Connect is a no-op while a channel is open or being opened.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.reconnectTask.Cancel()
	c.attempts = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.dial(ctx)
	if err == nil {
		return nil
	}
	c.log.Warn("event channel connect failed", "error", err)
	c.errs.Publish(err)
	c.retryAfterFailedDial()
	return err
}

// Disconnect closes the channel without reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	c.reconnectTask.Cancel()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	was := c.state
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWait))
		_ = conn.Close()
	}
	if was == StateConnected {
		c.log.Info("event channel disconnected")
		c.disconnects.Publish(nil)
	}
}

// SetEndpoint switches the base address and credential. An active channel is
// torn down and reopened against the new endpoint; handlers are kept.
func (c *Client) SetEndpoint(ctx context.Context, baseURL, token string) error {
	active := c.ConnectionState() != StateDisconnected
	c.Disconnect()

	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
	mode := ModeLocal
	if token != "" {
		mode = ModeRemote
	}
	c.mu.Unlock()
	c.log.Info("endpoint changed", "base_url", baseURL, "mode", mode)

	if !active {
		return nil
	}
	return c.Connect(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	base := c.baseURL
	hdr := c.authHeaderLocked()
	gen := c.gen
	c.mu.Unlock()

	u, err := channelURL(base, c.cfg.ChannelPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: HTTP %d: %w", ErrChannel, u, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dial %s: %w", ErrChannel, u, err)
	}

	c.mu.Lock()
	if c.manual || c.gen != gen {
		// Disconnect or SetEndpoint ran while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.gen++
	gen = c.gen
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.readers.Add(1)
	c.mu.Unlock()

	c.log.Info("event channel connected", "url", u)
	c.connects.Publish(struct{}{})
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.readers.Done()
	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.errs.Publish(fmt.Errorf("%w: decode message: %w", ErrChannel, err))
			continue
		}
		if env.Type == "" {
			c.errs.Publish(fmt.Errorf("%w: message without type", ErrChannel))
			continue
		}
		metrics.IncMessage(string(env.Type))
		c.messages.Publish(env)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.gen != gen {
		// Torn down by Disconnect or SetEndpoint, which already reported it.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn("event channel closed", "error", cause)
		c.errs.Publish(fmt.Errorf("%w: %w", ErrChannel, cause))
	} else {
		c.log.Info("event channel closed", "reason", cause)
	}
	c.disconnects.Publish(cause)

	c.mu.Lock()
	var exhausted error
	var info *ReconnectInfo
	if c.gen == gen && !c.manual && c.state == StateDisconnected {
		info, exhausted = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	c.announce(info, exhausted)
}

// retryAfterFailedDial schedules the next attempt unless the channel was torn
// down or opened meanwhile.
func (c *Client) retryAfterFailedDial() {
	c.mu.Lock()
	var exhausted error
	var info *ReconnectInfo
	if !c.manual && c.state == StateConnecting {
		info, exhausted = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	c.announce(info, exhausted)
}

// scheduleReconnectLocked arms the next reconnect, or gives up once
// MaxReconnectAttempts were spent.
func (c *Client) scheduleReconnectLocked() (*ReconnectInfo, error) {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.setStateLocked(StateDisconnected)
		return nil, fmt.Errorf("%w: gave up after %d attempts", ErrMaxReconnectsExceeded, c.attempts)
	}
	c.attempts++
	info := &ReconnectInfo{Attempt: c.attempts, Delay: c.cfg.Reconnect.Delay(c.attempts - 1)}
	c.setStateLocked(StateReconnecting)
	c.reconnectTask.Schedule(info.Delay, c.fireReconnect)
	metrics.IncReconnect()
	return info, nil
}

func (c *Client) announce(info *ReconnectInfo, exhausted error) {
	if info != nil {
		c.log.Info("event channel reconnect scheduled", "attempt", info.Attempt, "delay", info.Delay)
		c.reconnects.Publish(*info)
	}
	if exhausted != nil {
		c.log.Error("event channel giving up", "error", exhausted)
		c.errs.Publish(exhausted)
	}
}

func (c *Client) fireReconnect(gen uint64) {
	c.mu.Lock()
	if !c.reconnectTask.Claim(gen) || c.manual || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.bg, c.cfg.HandshakeTimeout)
	defer cancel()
	err := c.dial(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && c.bg.Err() != nil {
		return
	}
	c.log.Warn("event channel reconnect failed", "error", err)
	c.errs.Publish(err)
	c.retryAfterFailedDial()
}

func (c *Client) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	metrics.RecordConnectionTransition(c.state.String(), s.String())
	c.state = s
}

// channelURL maps http(s)://host/base to ws(s)://host/base+path.
func channelURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
