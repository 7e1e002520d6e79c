package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxlink/webrtc-call-relay/internal/metrics"
)

const queueSize = 64

type Config struct {
	Transport    Transport
	Media        MediaSource
	Negotiations NegotiationFactory

	// Notify is optional; nil means lifecycle changes are only logged.
	Notify Notifier

	BusyPolicy  BusyPolicy
	DisplayName string

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Machine drives the lifecycle of at most one call at a time.
type Machine struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	queue chan any

	mu     sync.Mutex
	selfID string
	sess   *session
	epoch  uint64
}

// session is one call's state. Discarded wholesale when the call ends; the
// epoch lets late callbacks from a dead session be recognized and dropped.
type session struct {
	epoch    uint64
	role     Role
	peerID   string
	peerName string
	phase    Phase

	neg          Negotiation
	localMedia   MediaHandle
	remoteMedia  MediaHandle
	pendingOffer json.RawMessage
	cancelMedia  context.CancelFunc
}

// Internal queue items. Async producers tag the session epoch they belong
// to; the dispatch loop compares against the current session so a callback
// from a torn-down call can never mutate a new one.
type (
	cmdInitiate struct{ peerID string }
	cmdAccept   struct{}
	cmdDecline  struct{}
	cmdHangup   struct{}

	mediaResult struct {
		epoch  uint64
		handle MediaHandle
		err    error
	}

	negSignal struct {
		epoch uint64
		blob  json.RawMessage
	}
	negMediaReady struct {
		epoch  uint64
		remote MediaHandle
	}
	negConnected struct{ epoch uint64 }
	negError     struct {
		epoch uint64
		err   error
	}
)

func New(cfg Config) (*Machine, error) {
	if cfg.Transport == nil || cfg.Media == nil || cfg.Negotiations == nil {
		return nil, errors.New("call: transport, media, and negotiation collaborators are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Notify == nil {
		cfg.Notify = noopNotifier{}
	}
	return &Machine{
		cfg:     cfg,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		queue:   make(chan any, queueSize),
	}, nil
}

// Run processes the event queue until ctx is cancelled. It must be running
// for any command or delivered event to take effect.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.endSession(EndReasonShutdown, true, ReasonHangupCourtesy)
			return
		case item := <-m.queue:
			m.dispatch(item)
		}
	}
}

// Courtesy teardown reasons sent to the peer. These mirror the wire values
// in the protocol package without importing it; the transport adapter maps
// them onto the envelope.
const (
	ReasonHangupCourtesy   = "hangup"
	ReasonDeclinedCourtesy = "declined"
	ReasonBusyCourtesy     = "busy"
)

// Deliver hands a transport event (AssignedID, OfferReceived, ...) to the
// machine. Events are processed strictly in delivery order.
func (m *Machine) Deliver(ev any) {
	m.queue <- ev
}

// Initiate starts an outgoing call. Self-calls are rejected here, before
// any relay traffic is generated.
func (m *Machine) Initiate(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("call: empty peer identifier")
	}

	m.mu.Lock()
	switch {
	case m.selfID == "":
		m.mu.Unlock()
		return ErrNotConnected
	case peerID == m.selfID:
		m.mu.Unlock()
		return ErrSelfCall
	case m.sess != nil:
		m.mu.Unlock()
		return ErrBusy
	}
	m.mu.Unlock()

	m.queue <- cmdInitiate{peerID: peerID}
	return nil
}

// Accept answers the pending incoming call.
func (m *Machine) Accept() error {
	if m.Phase() != PhaseIncomingOfferReceived {
		return ErrNoCall
	}
	m.queue <- cmdAccept{}
	return nil
}

// Decline dismisses the pending incoming call and sends the caller a
// courtesy notice.
func (m *Machine) Decline() error {
	if m.Phase() != PhaseIncomingOfferReceived {
		return ErrNoCall
	}
	m.queue <- cmdDecline{}
	return nil
}

// Hangup ends the current call in any phase.
func (m *Machine) Hangup() error {
	if m.Phase() == PhaseIdle {
		return ErrNoCall
	}
	m.queue <- cmdHangup{}
	return nil
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return PhaseIdle
	}
	return m.sess.phase
}

func (m *Machine) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.peerID
}

// PeerDisplayName returns the display name the current peer announced, if
// any. Only offers carry one, so it is empty for outgoing calls.
func (m *Machine) PeerDisplayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.peerName
}

func (m *Machine) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

func (m *Machine) dispatch(item any) {
	switch ev := item.(type) {
	case cmdInitiate:
		m.onInitiate(ev)
	case cmdAccept:
		m.onAccept()
	case cmdDecline:
		m.onDecline()
	case cmdHangup:
		m.onHangup()
	case mediaResult:
		m.onMediaResult(ev)
	case negSignal:
		m.onNegSignal(ev)
	case negMediaReady:
		m.onNegMediaReady(ev)
	case negConnected:
		if s := m.current(ev.epoch); s != nil {
			m.log.Debug("negotiation transport connected", "peer_id", s.peerID)
		}
	case negError:
		m.onNegError(ev)
	case AssignedID:
		m.onAssignedID(ev)
	case OfferReceived:
		m.onOffer(ev)
	case AnswerReceived:
		m.onAnswer(ev)
	case TeardownReceived:
		m.onTeardown(ev)
	case PeerGone:
		m.onPeerGone(ev)
	case RelayError:
		m.onRelayError(ev)
	case TransportLost:
		m.onTransportLost()
	default:
		m.log.Warn("unknown event dropped", "event", fmt.Sprintf("%T", item))
	}
}

func (m *Machine) onInitiate(cmd cmdInitiate) {
	if m.sess != nil {
		// Raced with an incoming offer that was admitted first.
		m.log.Debug("initiate dropped, call already in progress", "peer_id", cmd.peerID)
		return
	}
	s := m.newSession(RoleInitiator, cmd.peerID, "")
	m.setPhase(s, PhaseAwaitingLocalMedia)
	m.log.Info("initiating call", "peer_id", cmd.peerID)
	m.acquireMedia(s)
}

func (m *Machine) onAccept() {
	s := m.sess
	if s == nil || s.phase != PhaseIncomingOfferReceived {
		return
	}
	m.setPhase(s, PhaseAwaitingLocalMedia)
	m.log.Info("accepting call", "peer_id", s.peerID)
	m.acquireMedia(s)
}

func (m *Machine) onDecline() {
	s := m.sess
	if s == nil || s.phase != PhaseIncomingOfferReceived {
		return
	}
	_ = m.cfg.Transport.SendTeardown(s.peerID, ReasonDeclinedCourtesy)
	m.endSession(EndReasonDeclined, false, "")
}

func (m *Machine) onHangup() {
	if m.sess == nil {
		return
	}
	m.endSession(EndReasonHangup, true, ReasonHangupCourtesy)
}

// acquireMedia starts the only suspension point in the machine. It runs off
// the loop so unrelated events keep flowing; the result comes back through
// the queue tagged with the session epoch.
func (m *Machine) acquireMedia(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelMedia = cancel
	epoch := s.epoch
	go func() {
		handle, err := m.cfg.Media.AcquireLocalMedia(ctx)
		m.queue <- mediaResult{epoch: epoch, handle: handle, err: err}
	}()
}

func (m *Machine) onMediaResult(ev mediaResult) {
	s := m.current(ev.epoch)
	if s == nil {
		// The call this acquisition belonged to is gone; don't leak the
		// capture if it succeeded anyway.
		if ev.handle != nil {
			m.cfg.Media.Release(ev.handle)
		}
		m.dropStale("media-result")
		return
	}
	if ev.err != nil {
		m.log.Warn("local media unavailable", "err", ev.err)
		if s.role == RoleAnswerer {
			_ = m.cfg.Transport.SendTeardown(s.peerID, ReasonDeclinedCourtesy)
		}
		m.endSession(EndReasonMediaUnavailable, false, "")
		return
	}

	s.localMedia = ev.handle
	epoch := s.epoch
	events := NegotiationEvents{
		OnSignal:     func(blob json.RawMessage) { m.queue <- negSignal{epoch: epoch, blob: blob} },
		OnMediaReady: func(remote MediaHandle) { m.queue <- negMediaReady{epoch: epoch, remote: remote} },
		OnConnected:  func() { m.queue <- negConnected{epoch: epoch} },
		OnError:      func(err error) { m.queue <- negError{epoch: epoch, err: err} },
	}
	neg, err := m.cfg.Negotiations.CreateNegotiation(s.role, s.localMedia, events)
	if err != nil {
		m.log.Error("failed to create negotiation", "err", err)
		m.endSession(EndReasonNegotiationError, true, ReasonHangupCourtesy)
		return
	}
	s.neg = neg

	if s.role == RoleAnswerer {
		if err := neg.FeedRemoteSignal(s.pendingOffer); err != nil {
			m.log.Error("failed to apply remote offer", "err", err)
			m.endSession(EndReasonNegotiationError, true, ReasonHangupCourtesy)
			return
		}
	}
}

func (m *Machine) onNegSignal(ev negSignal) {
	s := m.current(ev.epoch)
	if s == nil {
		m.dropStale("negotiation-signal")
		return
	}
	if s.phase != PhaseAwaitingLocalMedia {
		// Renegotiation signals after establishment are out of scope.
		m.log.Debug("negotiation signal ignored", "phase", string(s.phase))
		return
	}

	var err error
	if s.role == RoleInitiator {
		err = m.cfg.Transport.SendOffer(s.peerID, ev.blob, m.cfg.DisplayName)
		if err == nil {
			m.setPhase(s, PhaseOfferSent)
		}
	} else {
		err = m.cfg.Transport.SendAnswer(s.peerID, ev.blob)
		if err == nil {
			m.setPhase(s, PhaseAnswerSent)
		}
	}
	if err != nil {
		m.log.Warn("failed to send signal", "err", err)
		m.endSession(EndReasonTransportLost, false, "")
	}
}

func (m *Machine) onNegMediaReady(ev negMediaReady) {
	s := m.current(ev.epoch)
	if s == nil {
		m.dropStale("media-ready")
		return
	}
	switch s.phase {
	case PhaseNegotiating, PhaseAnswerSent:
	case PhaseActive:
		return // additional tracks after establishment
	default:
		m.dropStale("media-ready")
		return
	}

	s.remoteMedia = ev.remote
	m.setPhase(s, PhaseActive)
	m.metrics.Inc(metrics.EventCallEstablished)
	m.log.Info("call active", "peer_id", s.peerID, "role", string(s.role))
	m.cfg.Notify.CallActive(ev.remote)
}

func (m *Machine) onNegError(ev negError) {
	if m.current(ev.epoch) == nil {
		m.dropStale("negotiation-error")
		return
	}
	m.log.Warn("negotiation failed", "err", ev.err)
	m.endSession(EndReasonNegotiationError, true, ReasonHangupCourtesy)
}

func (m *Machine) onAssignedID(ev AssignedID) {
	m.mu.Lock()
	m.selfID = ev.ID
	m.mu.Unlock()
	m.log.Info("relay assigned identifier", "participant_id", ev.ID)
}

func (m *Machine) onOffer(ev OfferReceived) {
	if m.sess != nil {
		switch m.cfg.BusyPolicy {
		case BusyReplace:
			m.log.Info("replacing current call with new offer", "peer_id", ev.From)
			m.endSession(EndReasonReplaced, true, ReasonHangupCourtesy)
		default:
			m.metrics.Inc(metrics.EventBusyRejected)
			m.log.Info("rejecting offer while busy", "peer_id", ev.From)
			_ = m.cfg.Transport.SendTeardown(ev.From, ReasonBusyCourtesy)
			return
		}
	}

	s := m.newSession(RoleAnswerer, ev.From, ev.DisplayName)
	s.pendingOffer = ev.Signal
	m.setPhase(s, PhaseIncomingOfferReceived)
	m.log.Info("incoming call", "peer_id", ev.From, "display_name", ev.DisplayName)
	m.cfg.Notify.IncomingCall(ev.From, ev.DisplayName)
}

func (m *Machine) onAnswer(ev AnswerReceived) {
	s := m.sess
	if s == nil || s.phase != PhaseOfferSent || (ev.From != "" && ev.From != s.peerID) {
		m.dropStale("answer")
		return
	}
	if err := s.neg.FeedRemoteSignal(ev.Signal); err != nil {
		m.log.Error("failed to apply remote answer", "err", err)
		m.endSession(EndReasonNegotiationError, true, ReasonHangupCourtesy)
		return
	}
	m.setPhase(s, PhaseNegotiating)
}

func (m *Machine) onTeardown(ev TeardownReceived) {
	s := m.sess
	if s == nil || ev.From != s.peerID {
		m.dropStale("teardown")
		return
	}
	reason := EndReasonPeerHangup
	switch ev.Reason {
	case ReasonDeclinedCourtesy:
		reason = EndReasonPeerDeclined
	case ReasonBusyCourtesy:
		reason = EndReasonPeerBusy
	}
	m.endSession(reason, false, "")
}

// onPeerGone filters the relay's broadcast disconnect notices. The filter
// runs against the session state at delivery time: any broadcast for a
// participant other than the current peer, or arriving with no call in
// flight, is a no-op.
func (m *Machine) onPeerGone(ev PeerGone) {
	s := m.sess
	if s == nil || ev.ID != s.peerID {
		m.dropStale("peer-gone")
		return
	}
	m.endSession(EndReasonPeerGone, false, "")
}

func (m *Machine) onRelayError(ev RelayError) {
	s := m.sess
	if ev.Reason == "peer-unavailable" && s != nil {
		switch s.phase {
		case PhaseAwaitingLocalMedia, PhaseOfferSent, PhaseAnswerSent:
			m.endSession(EndReasonPeerUnavailable, false, "")
			return
		}
	}
	m.log.Warn("relay error", "reason", ev.Reason)
}

func (m *Machine) onTransportLost() {
	if m.sess == nil {
		return // reconnects are transparent while idle
	}
	m.endSession(EndReasonTransportLost, false, "")
}

// endSession tears down the current session: cancels any pending media
// acquisition, optionally sends a courtesy teardown, destroys the
// negotiation handle, and releases held media. The session object is
// discarded; the next call starts fresh.
func (m *Machine) endSession(reason string, courtesy bool, courtesyReason string) {
	s := m.sess
	if s == nil {
		return
	}
	m.setPhase(s, PhaseEnding)

	if s.cancelMedia != nil {
		s.cancelMedia()
	}
	if courtesy && s.peerID != "" {
		_ = m.cfg.Transport.SendTeardown(s.peerID, courtesyReason)
	}
	if s.neg != nil {
		_ = s.neg.Destroy()
	}
	if s.localMedia != nil {
		m.cfg.Media.Release(s.localMedia)
	}
	if s.remoteMedia != nil {
		m.cfg.Media.Release(s.remoteMedia)
	}

	m.setPhase(s, PhaseEnded)
	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()

	m.metrics.Inc(metrics.EventCallEnded)
	m.log.Info("call ended", "peer_id", s.peerID, "reason", reason)
	m.cfg.Notify.CallEnded(reason)
}

func (m *Machine) newSession(role Role, peerID, peerName string) *session {
	m.mu.Lock()
	m.epoch++
	s := &session{
		epoch:    m.epoch,
		role:     role,
		peerID:   peerID,
		peerName: peerName,
		phase:    PhaseIdle,
	}
	m.sess = s
	m.mu.Unlock()
	return s
}

// current returns the live session only if epoch still names it.
func (m *Machine) current(epoch uint64) *session {
	if m.sess == nil || m.sess.epoch != epoch {
		return nil
	}
	return m.sess
}

func (m *Machine) setPhase(s *session, p Phase) {
	m.mu.Lock()
	s.phase = p
	m.mu.Unlock()
}

func (m *Machine) dropStale(kind string) {
	m.metrics.Inc(metrics.EventStaleEventDropped)
	m.log.Debug("stale event dropped", "kind", kind)
}

type noopNotifier struct{}

func (noopNotifier) IncomingCall(string, string) {}
func (noopNotifier) CallActive(MediaHandle)      {}
func (noopNotifier) CallEnded(string)            {}
