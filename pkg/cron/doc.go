// Package cron manages scheduled message deliveries. The task registry on
// disk is the source of truth; wake-ups are delegated to a backend, either
// in-process timers or the host's at(1) queue via a spool file.
package cron
