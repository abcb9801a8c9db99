// Package memory implements the two-layer long-term memory: a small fact
// document injected verbatim into every prompt, and an append-only activity
// log consulted only through explicit search. The fact document is watched
// for out-of-band edits.
package memory
