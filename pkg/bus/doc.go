// Package bus is the asynchronous decoupling layer between channel
// connectors and the agent loop.
//
// Inbound messages are queued on per-session FIFO lanes so that a slow
// session never delays another, and so that at most one handler invocation
// runs per session at any instant. Outbound messages are routed to the send
// function registered by the owning channel connector; delivery failures are
// contained to the failing channel.
package bus
