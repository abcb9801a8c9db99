// Package channels defines the transport connector contract and the
// in-process direct connector. Connectors own their wire formats; the rest
// of the engine only sees bus messages.
package channels
