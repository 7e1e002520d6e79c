package relay

import (
	"log/slog"

	"github.com/voxlink/webrtc-call-relay/internal/metrics"
	"github.com/voxlink/webrtc-call-relay/internal/protocol"
	"github.com/voxlink/webrtc-call-relay/internal/registry"
)

type Router struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewRouter(reg *registry.Registry, m *metrics.Metrics, log *slog.Logger) *Router {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, metrics: m, log: log}
}

// HandleOffer forwards an offer to its destination, stamping the sender's
// registered id over whatever `from` the client supplied.
func (rt *Router) HandleOffer(from string, msg protocol.Message) {
	if msg.To == from {
		// Clients reject self-calls before sending; keep the relay strict
		// anyway so a buggy client cannot loop an offer back to itself.
		rt.errorTo(from, protocol.ReasonSelfCall)
		return
	}

	out := protocol.Offer(msg.To, msg.Signal, msg.DisplayName)
	out.From = from
	if !rt.deliver(msg.To, out) {
		rt.metrics.Inc(metrics.EventPeerUnavailable)
		rt.errorTo(from, protocol.ReasonPeerUnavailable)
		return
	}
	rt.metrics.Inc(metrics.EventOfferForwarded)
}

// HandleAnswer forwards an answer back to the original offerer as a
// call-accepted event.
func (rt *Router) HandleAnswer(from string, msg protocol.Message) {
	if !rt.deliver(msg.To, protocol.Accepted(from, msg.Signal)) {
		rt.metrics.Inc(metrics.EventPeerUnavailable)
		rt.errorTo(from, protocol.ReasonPeerUnavailable)
		return
	}
	rt.metrics.Inc(metrics.EventAnswerForwarded)
}

// HandleTeardown forwards a courtesy teardown notice. Teardowns are purely
// advisory, so a dead destination is dropped silently rather than reported.
func (rt *Router) HandleTeardown(from string, msg protocol.Message) {
	out := protocol.Message{Type: protocol.TypeTeardown, From: from, Reason: msg.Reason}
	if !rt.deliver(msg.To, out) {
		rt.log.Debug("teardown destination gone", "from", from, "to", msg.To)
		return
	}
	rt.metrics.Inc(metrics.EventTeardownForwarded)
}

// HandleDisconnect removes id from the registry and broadcasts a call-gone
// notice to every other live connection. The relay does not track who is in
// a call with whom, so receivers filter against their own call state.
func (rt *Router) HandleDisconnect(id string) {
	rt.reg.Unregister(id)

	gone := protocol.Gone(id)
	for _, s := range rt.reg.Others(id) {
		// Best effort; a receiver that disconnects mid-broadcast will
		// produce its own call-gone shortly.
		_ = s.Send(gone)
	}
	rt.metrics.Inc(metrics.EventGoneBroadcast)
	rt.log.Info("connection gone", "participant_id", id, "live", rt.reg.Count())
}

// deliver reports false if the destination is not live or the send fails.
// A connection that drops between the liveness check and the write is
// indistinguishable from one that was never there.
func (rt *Router) deliver(to string, msg protocol.Message) bool {
	s, ok := rt.reg.Lookup(to)
	if !ok {
		return false
	}
	if err := s.Send(msg); err != nil {
		rt.log.Debug("delivery failed", "to", to, "type", string(msg.Type), "err", err)
		return false
	}
	return true
}

func (rt *Router) errorTo(id, reason string) {
	s, ok := rt.reg.Lookup(id)
	if !ok {
		return
	}
	_ = s.Send(protocol.Error(reason))
}
