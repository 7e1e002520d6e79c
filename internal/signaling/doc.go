// Package signaling is the websocket surface of the relay.
//
// Each accepted connection gets a relay-assigned participant identifier,
// a registry entry for liveness, a size- and rate-limited read loop, and a
// buffered write pump. All routing decisions are delegated to the relay
// router; this package only moves bytes and enforces connection hygiene.
package signaling
