package call

import (
	"context"
	"encoding/json"
	"errors"
)

type Role string

const (
	RoleNone      Role = "none"
	RoleInitiator Role = "initiator"
	RoleAnswerer  Role = "answerer"
)

// Phase is the lifecycle position of the current call session. A session is
// never reused: once it reaches PhaseEnded it is discarded and a new call
// starts from a fresh session, so stale phases cannot leak across calls.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseAwaitingLocalMedia    Phase = "awaiting-local-media"
	PhaseOfferSent             Phase = "offer-sent"
	PhaseIncomingOfferReceived Phase = "incoming-offer-received"
	PhaseAnswerSent            Phase = "answer-sent"
	PhaseNegotiating           Phase = "negotiating"
	PhaseActive                Phase = "active"
	PhaseEnding                Phase = "ending"
	PhaseEnded                 Phase = "ended"
)

// BusyPolicy decides what happens when an offer arrives mid-call.
type BusyPolicy int

const (
	// BusyReject keeps the current call and sends the second caller a
	// courtesy busy teardown. This is the default.
	BusyReject BusyPolicy = iota
	// BusyReplace hangs up the current call and admits the new offer.
	BusyReplace
)

// End reasons reported through Notifier.CallEnded.
const (
	EndReasonHangup           = "hangup"
	EndReasonDeclined         = "declined"
	EndReasonPeerGone         = "peer-gone"
	EndReasonPeerHangup       = "peer-hangup"
	EndReasonPeerDeclined     = "peer-declined"
	EndReasonPeerBusy         = "peer-busy"
	EndReasonPeerUnavailable  = "peer-unavailable"
	EndReasonMediaUnavailable = "local-media-unavailable"
	EndReasonNegotiationError = "negotiation-error"
	EndReasonTransportLost    = "transport-lost"
	EndReasonReplaced         = "replaced"
	EndReasonShutdown         = "shutdown"
)

var (
	ErrSelfCall     = errors.New("call: cannot call own identifier")
	ErrBusy         = errors.New("call: another call is in progress")
	ErrNoCall       = errors.New("call: no call in the required phase")
	ErrNotConnected = errors.New("call: transport has no assigned identifier")
)

// MediaHandle is an opaque reference to captured or rendered media. The
// machine never looks inside it; it only threads handles between the media
// and negotiation collaborators.
type MediaHandle any

// MediaSource is the media collaborator: capture of the local stream and
// release of any handle the machine holds.
type MediaSource interface {
	// AcquireLocalMedia may block (device prompts); it must honor ctx
	// cancellation, which the machine triggers on hangup or peer loss.
	AcquireLocalMedia(ctx context.Context) (MediaHandle, error)
	Release(handle MediaHandle)
}

// NegotiationEvents receives callbacks from one negotiation handle. All
// callbacks may fire from arbitrary goroutines; the machine serializes them
// onto its event queue.
type NegotiationEvents struct {
	// OnSignal delivers an opaque blob to relay to the peer: the offer for
	// an initiator, the answer for an answerer.
	OnSignal func(blob json.RawMessage)
	// OnMediaReady delivers the remote media handle once flowing.
	OnMediaReady func(remote MediaHandle)
	OnConnected  func()
	OnError      func(err error)
}

// Negotiation is one live peer negotiation owned exclusively by the current
// session.
type Negotiation interface {
	FeedRemoteSignal(blob json.RawMessage) error
	// Destroy releases the negotiation. It must be safe to call more than
	// once; every exit path destroys exactly the handle it owns.
	Destroy() error
}

// NegotiationFactory is the negotiation collaborator.
type NegotiationFactory interface {
	CreateNegotiation(role Role, localMedia MediaHandle, events NegotiationEvents) (Negotiation, error)
}

// Transport sends signaling messages toward the relay.
type Transport interface {
	SendOffer(to string, signal json.RawMessage, displayName string) error
	SendAnswer(to string, signal json.RawMessage) error
	SendTeardown(to, reason string) error
}

// Notifier surfaces call lifecycle changes to the embedding UI. All methods
// are called from the machine's event loop and must not block.
type Notifier interface {
	IncomingCall(from, displayName string)
	CallActive(remote MediaHandle)
	CallEnded(reason string)
}

// Events delivered to Machine.Deliver by the transport layer.
type (
	// AssignedID arrives once per relay connection (including reconnects).
	AssignedID struct{ ID string }

	OfferReceived struct {
		From        string
		DisplayName string
		Signal      json.RawMessage
	}

	AnswerReceived struct {
		From   string
		Signal json.RawMessage
	}

	TeardownReceived struct {
		From   string
		Reason string
	}

	PeerGone struct{ ID string }

	RelayError struct{ Reason string }

	// TransportLost fires when the relay connection drops. A reconnect is
	// transparent only while idle; mid-call it ends the call because any
	// in-flight negotiation died with the old connection.
	TransportLost struct{}
)
