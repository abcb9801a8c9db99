// Package tools provides the static tool registry and the dispatcher that
// validates and executes model-requested tool calls. Registration conflicts
// fail at startup; call-time faults become error results, never crashes.
package tools
