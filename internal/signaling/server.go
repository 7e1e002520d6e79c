package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink/webrtc-call-relay/internal/config"
	"github.com/voxlink/webrtc-call-relay/internal/metrics"
	"github.com/voxlink/webrtc-call-relay/internal/protocol"
	"github.com/voxlink/webrtc-call-relay/internal/ratelimit"
	"github.com/voxlink/webrtc-call-relay/internal/registry"
	"github.com/voxlink/webrtc-call-relay/internal/relay"
)

const sendBufferSize = 16

var errSendBufferFull = errors.New("signaling: send buffer full")

type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	router  *relay.Router
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg config.Config, reg *registry.Registry, router *relay.Router, m *metrics.Metrics, log *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		router:  router,
		metrics: m,
		log:     log,
		clock:   ratelimit.RealClock{},
		conns:   make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		ws:   ws,
		send: make(chan protocol.Message, sendBufferSize),
		done: make(chan struct{}),
	}
	s.track(c)
	defer s.untrack(c)

	id := s.reg.Register(c)
	log := s.log.With("participant_id", id)
	log.Info("participant connected", "remote_addr", ws.RemoteAddr().String(), "live", s.reg.Count())

	defer func() {
		// Unregister first so the broadcast never targets the connection
		// that is going away, then stop the write pump.
		s.router.HandleDisconnect(id)
		c.closeOnce()
		_ = ws.Close()
	}()

	go c.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)

	if err := c.Send(protocol.AssignedID(id)); err != nil {
		return
	}

	s.readLoop(c, id, log)
}

func (s *Server) readLoop(c *conn, id string, log *slog.Logger) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
	})

	perSec := int64(s.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(s.clock, perSec, perSec)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message", s.cfg.WriteTimeout)
			return
		}

		if !limiter.Allow() {
			s.metrics.Inc(metrics.EventRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded", s.cfg.WriteTimeout)
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.EventBadMessage)
			log.Debug("invalid message", "err", err)
			_ = c.Send(protocol.Error(protocol.ReasonBadMessage))
			continue
		}

		switch msg.Type {
		case protocol.TypeOffer:
			s.router.HandleOffer(id, msg)
		case protocol.TypeAnswer:
			s.router.HandleAnswer(id, msg)
		case protocol.TypeTeardown:
			s.router.HandleTeardown(id, msg)
		}
	}
}

// Shutdown asks every live connection to go away. Read loops observe the
// close and unwind through their usual disconnect path.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.writeClose(websocket.CloseGoingAway, "relay shutting down", s.cfg.WriteTimeout)
		_ = c.ws.Close()
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one participant connection. It implements registry.Sender; sends
// are buffered and never block the router.
type conn struct {
	ws   *websocket.Conn
	send chan protocol.Message

	once sync.Once
	done chan struct{}
}

func (c *conn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errors.New("signaling: connection closed")
	case c.send <- msg:
		return nil
	default:
		// A participant that cannot drain its buffer is effectively dead;
		// the router treats this like any other delivery failure.
		return errSendBufferFull
	}
}

func (c *conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *conn) writeClose(code int, reason string, timeout time.Duration) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
}

func (c *conn) closeOnce() {
	c.once.Do(func() { close(c.done) })
}
