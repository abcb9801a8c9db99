// Package subagent runs self-contained tasks in the background, each in an
// isolated session, and announces outcomes back to the parent conversation.
package subagent
