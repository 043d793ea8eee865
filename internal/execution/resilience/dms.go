package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickSource reports the time of the most recent market-data tick
// across every subscribed asset.
type TickSource interface {
	LastTickAt() time.Time
}

// DMS is the Dead-Man's Switch: a watchdog that activates Safe Mode on
// sustained market-data silence. It checks every 5s
// and resets implicitly — there is nothing to reset, since each check
// re-reads the tick source's own timestamp.
type DMS struct {
	log      zerolog.Logger
	source   TickSource
	safeMode *SafeMode
	timeout  time.Duration
}

// NewDMS constructs a DMS. timeout defaults to 60s.
func NewDMS(log zerolog.Logger, source TickSource, safeMode *SafeMode, timeout time.Duration) *DMS {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DMS{log: log.With().Str("component", "dead_mans_switch").Logger(), source: source, safeMode: safeMode, timeout: timeout}
}

// Run blocks, checking every 5s until ctx is cancelled.
func (d *DMS) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkOnce()
		}
	}
}

func (d *DMS) checkOnce() {
	last := d.source.LastTickAt()
	if last.IsZero() {
		return // no ticks have ever arrived yet (startup); not connectivity loss
	}
	if time.Since(last) > d.timeout {
		d.log.Warn().Dur("since_last_tick", time.Since(last)).Msg("dead man's switch tripped")
		d.safeMode.Activate("connectivity_loss")
	}
}
