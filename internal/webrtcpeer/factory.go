// Package webrtcpeer backs the call machine's negotiation and media
// collaborators with pion. Negotiations are non-trickle: the whole session
// description, ICE candidates included, travels as one opaque signal blob.
package webrtcpeer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voxlink/webrtc-call-relay/internal/call"
)

const defaultGatherTimeout = 5 * time.Second

// Hook for tests that need gathering to stall deterministically.
var gatheringCompletePromise = func(pc *webrtc.PeerConnection) <-chan struct{} {
	return webrtc.GatheringCompletePromise(pc)
}

type Config struct {
	// ICEServers is optional; host candidates alone work on a LAN.
	ICEServers []webrtc.ICEServer

	// GatherTimeout bounds candidate gathering. On timeout the description
	// gathered so far is signaled rather than failing the call.
	GatherTimeout time.Duration

	Log *slog.Logger
}

// Factory creates pion-backed negotiations. It satisfies
// call.NegotiationFactory.
type Factory struct {
	cfg Config
	api *webrtc.API
	log *slog.Logger
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: slogLoggerFactory{log: cfg.Log},
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	return &Factory{cfg: cfg, api: api, log: cfg.Log}, nil
}

func (f *Factory) CreateNegotiation(role call.Role, localMedia call.MediaHandle, events call.NegotiationEvents) (call.Negotiation, error) {
	local, ok := localMedia.(*LocalMedia)
	if !ok {
		return nil, fmt.Errorf("unsupported local media handle %T", localMedia)
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	n := &negotiation{
		pc:            pc,
		role:          role,
		events:        events,
		gatherTimeout: f.cfg.GatherTimeout,
		log:           f.log,
	}

	for _, track := range local.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.log.Debug("remote track arrived", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if events.OnMediaReady != nil {
			events.OnMediaReady(&RemoteMedia{Track: track})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			n.fail(errors.New("peer connection failed"))
		}
	})

	if role == call.RoleInitiator {
		go n.produceOffer()
	}
	return n, nil
}

// RemoteMedia is the handle delivered through OnMediaReady.
type RemoteMedia struct {
	Track *webrtc.TrackRemote
}

type negotiation struct {
	pc            *webrtc.PeerConnection
	role          call.Role
	events        call.NegotiationEvents
	gatherTimeout time.Duration
	log           *slog.Logger

	close sync.Once
}

func (n *negotiation) FeedRemoteSignal(blob json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(blob, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if n.role == call.RoleAnswerer && desc.Type == webrtc.SDPTypeOffer {
		go n.produceAnswer()
	}
	return nil
}

func (n *negotiation) Destroy() error {
	var err error
	n.close.Do(func() {
		err = n.pc.Close()
	})
	return err
}

func (n *negotiation) produceOffer() {
	desc, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	n.signalLocal(desc)
}

func (n *negotiation) produceAnswer() {
	desc, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	n.signalLocal(desc)
}

func (n *negotiation) signalLocal(desc webrtc.SessionDescription) {
	gatherComplete := gatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(desc); err != nil {
		n.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(n.gatherTimeout):
		n.log.Warn("ice gathering timed out, signaling partial description")
	}

	local := n.pc.LocalDescription()
	if local == nil {
		n.fail(errors.New("no local description after gathering"))
		return
	}
	blob, err := json.Marshal(local)
	if err != nil {
		n.fail(fmt.Errorf("encode session description: %w", err))
		return
	}
	if n.events.OnSignal != nil {
		n.events.OnSignal(blob)
	}
}

func (n *negotiation) fail(err error) {
	if n.events.OnError != nil {
		n.events.OnError(err)
	}
}
