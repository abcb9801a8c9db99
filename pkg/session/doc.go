// Package session persists conversation history as append-only JSONL, one
// file per session key. Each line is a self-contained turn object, safe to
// tail. Turns within a session are strictly time-ordered; only an explicit
// Reset truncates a log.
package session
