// voxlink-call is a headless call participant. It connects to a relay,
// announces its assigned identifier, and either dials a peer or answers
// incoming calls, publishing a silent audio track over the negotiated
// session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxlink/webrtc-call-relay/internal/call"
	"github.com/voxlink/webrtc-call-relay/internal/client"
	"github.com/voxlink/webrtc-call-relay/internal/webrtcpeer"
)

type uiEvent struct {
	kind        string // "incoming", "active", "ended"
	from        string
	displayName string
	reason      string
}

// chanNotifier forwards machine notifications to the main loop; Notifier
// methods must not block or call back into the machine.
type chanNotifier struct{ ch chan uiEvent }

func (n *chanNotifier) IncomingCall(from, displayName string) {
	n.ch <- uiEvent{kind: "incoming", from: from, displayName: displayName}
}
func (n *chanNotifier) CallActive(call.MediaHandle) { n.ch <- uiEvent{kind: "active"} }
func (n *chanNotifier) CallEnded(reason string)     { n.ch <- uiEvent{kind: "ended", reason: reason} }

// machineSink breaks the construction cycle between client and machine.
type machineSink struct{ m *call.Machine }

func (s *machineSink) Deliver(ev any) { s.m.Deliver(ev) }

func main() {
	fs := flag.NewFlagSet("voxlink-call", flag.ContinueOnError)
	relayURL := fs.String("relay-url", "ws://127.0.0.1:8080/ws", "relay websocket endpoint")
	displayName := fs.String("display-name", "", "name shown to the peer on outgoing calls")
	callPeer := fs.String("call", "", "peer identifier to dial; empty means answer mode")
	autoAnswer := fs.Bool("auto-answer", true, "accept incoming calls automatically in answer mode")
	busyReplace := fs.Bool("busy-replace", false, "replace the current call when a new offer arrives")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	factory, err := webrtcpeer.NewFactory(webrtcpeer.Config{Log: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	sink := &machineSink{}
	cli, err := client.New(client.Config{URL: *relayURL, Log: logger}, sink)
	if err != nil {
		logger.Error("failed to configure relay client", "err", err)
		os.Exit(2)
	}

	notifier := &chanNotifier{ch: make(chan uiEvent, 8)}
	policy := call.BusyReject
	if *busyReplace {
		policy = call.BusyReplace
	}
	machine, err := call.New(call.Config{
		Transport:    cli,
		Media:        webrtcpeer.SilentAudioSource{},
		Negotiations: factory,
		Notify:       notifier,
		BusyPolicy:   policy,
		DisplayName:  *displayName,
		Log:          logger,
	})
	if err != nil {
		logger.Error("failed to configure call machine", "err", err)
		os.Exit(2)
	}
	sink.m = machine

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go machine.Run(ctx)
	go func() {
		if err := cli.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay client exited", "err", err)
		}
	}()

	if *callPeer != "" {
		if err := dial(ctx, machine, *callPeer); err != nil {
			logger.Error("failed to place call", "peer_id", *callPeer, "err", err)
			os.Exit(1)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case ev := <-notifier.ch:
			switch ev.kind {
			case "incoming":
				logger.Info("incoming call", "peer_id", ev.from, "display_name", ev.displayName)
				if *callPeer != "" {
					// Dialer mode never answers; the machine's busy policy
					// already handled the offer if a call was in flight.
					continue
				}
				if *autoAnswer {
					if err := machine.Accept(); err != nil {
						logger.Warn("accept failed", "err", err)
					}
				} else {
					if err := machine.Decline(); err != nil {
						logger.Warn("decline failed", "err", err)
					}
				}
			case "active":
				logger.Info("call active", "peer_id", machine.PeerID(), "display_name", machine.PeerDisplayName())
			case "ended":
				logger.Info("call ended", "reason", ev.reason)
				if *callPeer != "" {
					return
				}
			}
		}
	}
}

// dial waits for the relay to assign an identifier, then initiates.
func dial(ctx context.Context, m *call.Machine, peer string) error {
	deadline := time.Now().Add(10 * time.Second)
	for m.SelfID() == "" {
		if time.Now().After(deadline) {
			return errors.New("relay never assigned an identifier")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	slog.Info("assigned identifier", "participant_id", m.SelfID())
	return m.Initiate(peer)
}
