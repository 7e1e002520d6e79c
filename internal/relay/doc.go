// Package relay routes signaling messages between participant connections.
//
// The router is stateless: it holds no call-level state and never inspects
// signal payloads. Every forwarding decision is a liveness lookup against
// the connection registry followed by a best-effort, at-most-once delivery.
package relay
