// Package call implements the participant-side call state machine.
//
// One Machine exists per participant process. It owns at most one live call
// session at a time and consumes every external event (relay messages,
// negotiation callbacks, media acquisition results, transport state) on a
// single ordered queue, so no two transitions ever race on the same
// session. Events that no longer apply to the current session (stale
// call-gone broadcasts, answers from a previous peer, callbacks from an
// already-destroyed negotiation) are dropped and counted, never acted on.
package call
