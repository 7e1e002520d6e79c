package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxlink/webrtc-call-relay/internal/metrics"
)

type sentOffer struct {
	to          string
	signal      json.RawMessage
	displayName string
}

type sentAnswer struct {
	to     string
	signal json.RawMessage
}

type sentTeardown struct {
	to     string
	reason string
}

type fakeTransport struct {
	mu        sync.Mutex
	offers    []sentOffer
	answers   []sentAnswer
	teardowns []sentTeardown
	sendErr   error
}

func (f *fakeTransport) SendOffer(to string, signal json.RawMessage, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.offers = append(f.offers, sentOffer{to: to, signal: signal, displayName: displayName})
	return nil
}

func (f *fakeTransport) SendAnswer(to string, signal json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.answers = append(f.answers, sentAnswer{to: to, signal: signal})
	return nil
}

func (f *fakeTransport) SendTeardown(to, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, sentTeardown{to: to, reason: reason})
	return nil
}

func (f *fakeTransport) sent() (offers []sentOffer, answers []sentAnswer, teardowns []sentTeardown) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentOffer(nil), f.offers...),
		append([]sentAnswer(nil), f.answers...),
		append([]sentTeardown(nil), f.teardowns...)
}

type fakeMedia struct {
	mu       sync.Mutex
	handle   MediaHandle
	err      error
	block    bool
	started  chan struct{}
	released []MediaHandle
}

func (f *fakeMedia) AcquireLocalMedia(ctx context.Context) (MediaHandle, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func (f *fakeMedia) Release(handle MediaHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, handle)
}

func (f *fakeMedia) releasedHandles() []MediaHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MediaHandle(nil), f.released...)
}

type fakeNegotiation struct {
	mu        sync.Mutex
	fed       []json.RawMessage
	feedErr   error
	destroyed int
}

func (f *fakeNegotiation) FeedRemoteSignal(blob json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return f.feedErr
	}
	f.fed = append(f.fed, blob)
	return nil
}

func (f *fakeNegotiation) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeNegotiation) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeNegotiation) fedSignals() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.fed...)
}

type negotiationBirth struct {
	neg    *fakeNegotiation
	role   Role
	local  MediaHandle
	events NegotiationEvents
}

type fakeFactory struct {
	createErr error
	created   chan negotiationBirth
}

func (f *fakeFactory) CreateNegotiation(role Role, localMedia MediaHandle, events NegotiationEvents) (Negotiation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	neg := &fakeNegotiation{}
	f.created <- negotiationBirth{neg: neg, role: role, local: localMedia, events: events}
	return neg, nil
}

type recordingNotifier struct {
	incoming chan OfferReceived
	active   chan MediaHandle
	ended    chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		incoming: make(chan OfferReceived, 4),
		active:   make(chan MediaHandle, 4),
		ended:    make(chan string, 4),
	}
}

func (n *recordingNotifier) IncomingCall(from, displayName string) {
	n.incoming <- OfferReceived{From: from, DisplayName: displayName}
}
func (n *recordingNotifier) CallActive(remote MediaHandle) { n.active <- remote }
func (n *recordingNotifier) CallEnded(reason string)       { n.ended <- reason }

type fixture struct {
	m       *Machine
	tr      *fakeTransport
	media   *fakeMedia
	factory *fakeFactory
	notes   *recordingNotifier
	met     *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		tr:      &fakeTransport{},
		media:   &fakeMedia{handle: "local-media"},
		factory: &fakeFactory{created: make(chan negotiationBirth, 4)},
		notes:   newRecordingNotifier(),
		met:     metrics.New(),
	}
	cfg := Config{
		Transport:    f.tr,
		Media:        f.media,
		Negotiations: f.factory,
		Notify:       f.notes,
		DisplayName:  "Alice",
		Metrics:      f.met,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	f.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return f.m.Phase() == want },
		2*time.Second, 5*time.Millisecond, "phase never reached %s", want)
}

func (f *fixture) waitNegotiation(t *testing.T) negotiationBirth {
	t.Helper()
	select {
	case b := <-f.factory.created:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("negotiation was never created")
		return negotiationBirth{}
	}
}

func (f *fixture) waitEnded(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-f.notes.ended:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatalf("call never ended")
		return ""
	}
}

func TestMachine_InitiatorHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	f.waitPhase(t, PhaseAwaitingLocalMedia)

	birth := f.waitNegotiation(t)
	require.Equal(t, RoleInitiator, birth.role)
	require.Equal(t, "local-media", birth.local)

	birth.events.OnSignal(json.RawMessage(`"OFFER-XYZ"`))
	f.waitPhase(t, PhaseOfferSent)
	offers, _, _ := f.tr.sent()
	require.Len(t, offers, 1)
	require.Equal(t, "B2", offers[0].to)
	require.JSONEq(t, `"OFFER-XYZ"`, string(offers[0].signal))
	require.Equal(t, "Alice", offers[0].displayName)

	f.m.Deliver(AnswerReceived{From: "B2", Signal: json.RawMessage(`"ANSWER-XYZ"`)})
	f.waitPhase(t, PhaseNegotiating)
	require.Eventually(t, func() bool { return len(birth.neg.fedSignals()) == 1 },
		time.Second, 5*time.Millisecond)
	require.JSONEq(t, `"ANSWER-XYZ"`, string(birth.neg.fedSignals()[0]))

	birth.events.OnMediaReady("remote-media")
	f.waitPhase(t, PhaseActive)
	select {
	case remote := <-f.notes.active:
		require.Equal(t, "remote-media", remote)
	case <-time.After(time.Second):
		t.Fatalf("no call-active notification")
	}
	require.Equal(t, "B2", f.m.PeerID())
	require.Equal(t, uint64(1), f.met.Get(metrics.EventCallEstablished))

	require.NoError(t, f.m.Hangup())
	require.Equal(t, EndReasonHangup, f.waitEnded(t))
	f.waitPhase(t, PhaseIdle)

	_, _, teardowns := f.tr.sent()
	require.Len(t, teardowns, 1)
	require.Equal(t, sentTeardown{to: "B2", reason: "hangup"}, teardowns[0])
	require.Equal(t, 1, birth.neg.destroyCount())
	require.ElementsMatch(t, []MediaHandle{"local-media", "remote-media"}, f.media.releasedHandles())
}

func TestMachine_AnswererHappyPath(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.DisplayName = "Bob" })

	f.m.Deliver(AssignedID{ID: "B2"})
	f.m.Deliver(OfferReceived{From: "A1", DisplayName: "Alice", Signal: json.RawMessage(`"OFFER-XYZ"`)})

	select {
	case in := <-f.notes.incoming:
		require.Equal(t, "A1", in.From)
		require.Equal(t, "Alice", in.DisplayName)
	case <-time.After(time.Second):
		t.Fatalf("no incoming-call notification")
	}
	f.waitPhase(t, PhaseIncomingOfferReceived)

	require.NoError(t, f.m.Accept())
	birth := f.waitNegotiation(t)
	require.Equal(t, RoleAnswerer, birth.role)

	// The stored offer is applied as soon as the negotiation exists.
	require.Eventually(t, func() bool { return len(birth.neg.fedSignals()) == 1 },
		time.Second, 5*time.Millisecond)
	require.JSONEq(t, `"OFFER-XYZ"`, string(birth.neg.fedSignals()[0]))

	birth.events.OnSignal(json.RawMessage(`"ANSWER-XYZ"`))
	f.waitPhase(t, PhaseAnswerSent)
	_, answers, _ := f.tr.sent()
	require.Len(t, answers, 1)
	require.Equal(t, "A1", answers[0].to)
	require.JSONEq(t, `"ANSWER-XYZ"`, string(answers[0].signal))

	birth.events.OnMediaReady("remote-media")
	f.waitPhase(t, PhaseActive)
}

func TestMachine_SelfCallRejectedWithoutTraffic(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.ErrorIs(t, f.m.Initiate("A1"), ErrSelfCall)

	offers, answers, teardowns := f.tr.sent()
	require.Empty(t, offers)
	require.Empty(t, answers)
	require.Empty(t, teardowns)
	require.Equal(t, PhaseIdle, f.m.Phase())
}

func TestMachine_InitiateBeforeAssignedID(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.m.Initiate("B2"), ErrNotConnected)
}

func TestMachine_StalePeerGoneWhileIdle(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	f.m.Deliver(PeerGone{ID: "Z9"})

	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, PhaseIdle, f.m.Phase())
	select {
	case reason := <-f.notes.ended:
		t.Fatalf("unexpected call-ended %q", reason)
	default:
	}
}

func TestMachine_PeerGoneMidCall(t *testing.T) {
	f := activeCall(t, newFixture(t, nil))

	f.m.Deliver(PeerGone{ID: "B2"})
	require.Equal(t, EndReasonPeerGone, f.waitEnded(t))
	f.waitPhase(t, PhaseIdle)

	// A duplicate broadcast for the same participant is now stale.
	f.m.Deliver(PeerGone{ID: "B2"})
	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), f.met.Get(metrics.EventCallEnded))
}

func TestMachine_PeerGoneDuringMediaAcquisition(t *testing.T) {
	f := newBlockingMediaFixture(t)

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	select {
	case <-f.media.started:
	case <-time.After(time.Second):
		t.Fatalf("media acquisition never started")
	}

	f.m.Deliver(PeerGone{ID: "B2"})
	require.Equal(t, EndReasonPeerGone, f.waitEnded(t))
	f.waitPhase(t, PhaseIdle)

	// The cancelled acquisition reports back after the session is gone.
	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
}

func newBlockingMediaFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		tr:      &fakeTransport{},
		media:   &fakeMedia{handle: "local-media", block: true, started: make(chan struct{}, 1)},
		factory: &fakeFactory{created: make(chan negotiationBirth, 4)},
		notes:   newRecordingNotifier(),
		met:     metrics.New(),
	}
	m, err := New(Config{
		Transport:    f.tr,
		Media:        f.media,
		Negotiations: f.factory,
		Notify:       f.notes,
		Metrics:      f.met,
	})
	require.NoError(t, err)
	f.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func TestMachine_MediaUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.media.err = errors.New("no camera")

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	require.Equal(t, EndReasonMediaUnavailable, f.waitEnded(t))
	f.waitPhase(t, PhaseIdle)

	offers, _, teardowns := f.tr.sent()
	require.Empty(t, offers)
	require.Empty(t, teardowns)
}

func TestMachine_BusyRejectKeepsCurrentCall(t *testing.T) {
	f := activeCall(t, newFixture(t, nil))

	f.m.Deliver(OfferReceived{From: "C3", DisplayName: "Carol", Signal: json.RawMessage(`"OFFER-2"`)})

	require.Eventually(t, func() bool {
		_, _, teardowns := f.tr.sent()
		return len(teardowns) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, teardowns := f.tr.sent()
	require.Equal(t, sentTeardown{to: "C3", reason: "busy"}, teardowns[0])

	require.Equal(t, PhaseActive, f.m.Phase())
	require.Equal(t, "B2", f.m.PeerID())
	require.Equal(t, uint64(1), f.met.Get(metrics.EventBusyRejected))
}

func TestMachine_BusyReplaceAdmitsNewOffer(t *testing.T) {
	f := activeCall(t, newFixture(t, func(cfg *Config) { cfg.BusyPolicy = BusyReplace }))

	f.m.Deliver(OfferReceived{From: "C3", DisplayName: "Carol", Signal: json.RawMessage(`"OFFER-2"`)})

	require.Equal(t, EndReasonReplaced, f.waitEnded(t))
	select {
	case in := <-f.notes.incoming:
		require.Equal(t, "C3", in.From)
	case <-time.After(time.Second):
		t.Fatalf("replacement offer never surfaced")
	}
	f.waitPhase(t, PhaseIncomingOfferReceived)
	require.Equal(t, "C3", f.m.PeerID())
}

func TestMachine_DeclineSendsCourtesyTeardown(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "B2"})
	f.m.Deliver(OfferReceived{From: "A1", Signal: json.RawMessage(`"OFFER-XYZ"`)})
	f.waitPhase(t, PhaseIncomingOfferReceived)

	require.NoError(t, f.m.Decline())
	require.Equal(t, EndReasonDeclined, f.waitEnded(t))

	_, _, teardowns := f.tr.sent()
	require.Len(t, teardowns, 1)
	require.Equal(t, sentTeardown{to: "A1", reason: "declined"}, teardowns[0])
}

func TestMachine_PeerTeardownReasons(t *testing.T) {
	cases := []struct {
		wire string
		want string
	}{
		{"hangup", EndReasonPeerHangup},
		{"declined", EndReasonPeerDeclined},
		{"busy", EndReasonPeerBusy},
	}
	for _, tc := range cases {
		t.Run(tc.wire, func(t *testing.T) {
			f := activeCall(t, newFixture(t, nil))

			f.m.Deliver(TeardownReceived{From: "B2", Reason: tc.wire})
			require.Equal(t, tc.want, f.waitEnded(t))

			// No courtesy teardown back at a peer that already hung up.
			_, _, teardowns := f.tr.sent()
			require.Empty(t, teardowns)
		})
	}
}

func TestMachine_TeardownFromStrangerIgnored(t *testing.T) {
	f := activeCall(t, newFixture(t, nil))

	f.m.Deliver(TeardownReceived{From: "Z9", Reason: "hangup"})
	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, PhaseActive, f.m.Phase())
}

func TestMachine_StaleAnswerDropped(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	f.m.Deliver(AnswerReceived{From: "B2", Signal: json.RawMessage(`"ANSWER-XYZ"`)})

	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, PhaseIdle, f.m.Phase())
}

func TestMachine_RelayPeerUnavailableEndsPendingCall(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	birth := f.waitNegotiation(t)
	birth.events.OnSignal(json.RawMessage(`"OFFER-XYZ"`))
	f.waitPhase(t, PhaseOfferSent)

	f.m.Deliver(RelayError{Reason: "peer-unavailable"})
	require.Equal(t, EndReasonPeerUnavailable, f.waitEnded(t))
	require.Equal(t, 1, birth.neg.destroyCount())
}

func TestMachine_TransportLostMidCall(t *testing.T) {
	f := activeCall(t, newFixture(t, nil))

	f.m.Deliver(TransportLost{})
	require.Equal(t, EndReasonTransportLost, f.waitEnded(t))
	f.waitPhase(t, PhaseIdle)

	// While idle the same event is a no-op.
	f.m.Deliver(TransportLost{})
	select {
	case reason := <-f.notes.ended:
		t.Fatalf("unexpected call-ended %q", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMachine_HangupWithoutCall(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.m.Hangup(), ErrNoCall)
	require.ErrorIs(t, f.m.Accept(), ErrNoCall)
	require.ErrorIs(t, f.m.Decline(), ErrNoCall)
}

func TestMachine_NegotiationDestroyedOncePerCall(t *testing.T) {
	f := newFixture(t, nil)

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	birth := f.waitNegotiation(t)
	birth.events.OnSignal(json.RawMessage(`"OFFER-XYZ"`))
	f.waitPhase(t, PhaseOfferSent)

	// Peer disconnect and a late negotiation error race; only the first
	// ends the call and only one destroy happens.
	f.m.Deliver(PeerGone{ID: "B2"})
	require.Equal(t, EndReasonPeerGone, f.waitEnded(t))
	birth.events.OnError(errors.New("ice failed"))

	require.Eventually(t, func() bool {
		return f.met.Get(metrics.EventStaleEventDropped) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, birth.neg.destroyCount())
	require.Equal(t, uint64(1), f.met.Get(metrics.EventCallEnded))
}

// activeCall drives f to PhaseActive as the initiator calling B2.
func activeCall(t *testing.T, f *fixture) *fixture {
	t.Helper()

	f.m.Deliver(AssignedID{ID: "A1"})
	require.Eventually(t, func() bool { return f.m.SelfID() == "A1" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.Initiate("B2"))
	birth := f.waitNegotiation(t)
	birth.events.OnSignal(json.RawMessage(`"OFFER-XYZ"`))
	f.waitPhase(t, PhaseOfferSent)

	f.m.Deliver(AnswerReceived{From: "B2", Signal: json.RawMessage(`"ANSWER-XYZ"`)})
	birth.events.OnMediaReady("remote-media")
	f.waitPhase(t, PhaseActive)
	return f
}
