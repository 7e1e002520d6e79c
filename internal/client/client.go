// Package client is the participant side of the signaling link. It keeps a
// websocket to the relay alive across drops, translates relay messages into
// call machine events, and implements the machine's outbound transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink/webrtc-call-relay/internal/call"
	"github.com/voxlink/webrtc-call-relay/internal/protocol"
)

// ErrDisconnected is returned by the send methods while no relay connection
// is up. The machine treats it like any other transport failure.
var ErrDisconnected = errors.New("client: not connected to relay")

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// EventSink consumes the events decoded from the relay stream. A
// *call.Machine satisfies it directly.
type EventSink interface {
	Deliver(ev any)
}

type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://relay:8080/ws.
	URL string

	// Origin is sent on the upgrade request when non-empty.
	Origin string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration

	Log *slog.Logger
}

type Client struct {
	cfg  Config
	log  *slog.Logger
	sink EventSink

	mu sync.Mutex
	ws *websocket.Conn
}

func New(cfg Config, sink EventSink) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: relay URL is required")
	}
	if sink == nil {
		return nil, errors.New("client: event sink is required")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Client{cfg: cfg, log: cfg.Log, sink: sink}, nil
}

// Run dials the relay and pumps events until ctx is cancelled. Each drop
// delivers TransportLost and is followed by a capped exponential backoff
// before redialing; a fresh connection gets a fresh assigned identifier,
// which reaches the sink as a new AssignedID event.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, c.header())
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("relay dial failed", "url", c.cfg.URL, "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > c.cfg.ReconnectMax {
				delay = c.cfg.ReconnectMax
			}
			continue
		}
		delay = c.cfg.ReconnectMin
		c.log.Info("connected to relay", "url", c.cfg.URL)

		c.setConn(ws)
		err = c.readLoop(ctx, ws)
		c.setConn(nil)
		_ = ws.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("relay connection lost", "err", err)
		c.sink.Deliver(call.TransportLost{})
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Client) SendOffer(to string, signal json.RawMessage, displayName string) error {
	return c.send(protocol.Offer(to, signal, displayName))
}

func (c *Client) SendAnswer(to string, signal json.RawMessage) error {
	return c.send(protocol.Answer(to, signal))
}

func (c *Client) SendTeardown(to, reason string) error {
	return c.send(protocol.Teardown(to, reason))
}

func (c *Client) header() http.Header {
	if c.cfg.Origin == "" {
		return nil
	}
	return http.Header{"Origin": []string{c.cfg.Origin}}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// send serializes writes under the same lock that guards the connection;
// gorilla allows only one concurrent writer.
func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrDisconnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	// Unblock the read when ctx ends. Pings from the relay are answered by
	// gorilla's default ping handler.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stopped:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("undecodable relay message dropped", "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeAssignedID:
		c.sink.Deliver(call.AssignedID{ID: msg.ID})
	case protocol.TypeOffer:
		c.sink.Deliver(call.OfferReceived{From: msg.From, DisplayName: msg.DisplayName, Signal: msg.Signal})
	case protocol.TypeAccepted:
		c.sink.Deliver(call.AnswerReceived{From: msg.From, Signal: msg.Signal})
	case protocol.TypeTeardown:
		c.sink.Deliver(call.TeardownReceived{From: msg.From, Reason: msg.Reason})
	case protocol.TypeGone:
		c.sink.Deliver(call.PeerGone{ID: msg.DisconnectedID})
	case protocol.TypeError:
		c.sink.Deliver(call.RelayError{Reason: msg.Reason})
	default:
		c.log.Warn("unexpected relay message type dropped", "type", string(msg.Type))
	}
}
