// Package agent drives conversation turns through a fixed state machine:
// context building, provider completion with retry, bounded tool rounds,
// then response delivery. Providers are pluggable behind a small interface.
package agent
