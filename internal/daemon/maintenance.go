package daemon

import (
	"time"

	"github.com/harun/kurir/internal/observability"
)

// maintenanceLoop ticks housekeeping: gauge refreshes and lane stats.
func (d *Daemon) maintenanceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMaintenance()
		}
	}
}

func (d *Daemon) runMaintenance() {
	if sessions, err := d.sessions.List(); err == nil {
		observability.SetActiveSessions(len(sessions))
	}

	stats := d.bus.Stats()
	zl := d.logger.Zerolog()
	for lane, depth := range stats {
		observability.SetLaneDepth(lane, depth)
		if depth > 0 {
			zl.Debug().Str("lane", lane).Int("depth", depth).Msg("Lane stats")
		}
	}
}
