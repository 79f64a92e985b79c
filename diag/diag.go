// Package diag implements the continuous-timeout/NTP clock-drift diagnostic
// supplemented from the teacher's p2p/discover/udp.go (its loop() tracks
// contTimeouts against ntpFailureThreshold and fires checkClockDrift once
// per ntpWarningCooldown). The teacher's own checkClockDrift body wasn't
// part of the retrieved subset, so it is authored here against
// github.com/beevik/ntp directly, the dependency the teacher's go.mod
// already names for exactly this purpose.
package diag

import (
	"time"

	"github.com/MOACChain/MoacLib/log"
	"github.com/beevik/ntp"
)

const ntpHost = "pool.ntp.org"

// Monitor counts consecutive RPC timeouts across an engine's pending
// queries and checks for clock drift once the run gets suspiciously long,
// the same heuristic the teacher's discovery loop uses: a long streak of
// timeouts is as likely to be our own clock skewing validity windows as it
// is real network loss.
type Monitor struct {
	threshold      int
	warnCooldown   time.Duration
	driftThreshold time.Duration

	contTimeouts int
	lastWarn     time.Time
}

// NewMonitor builds a Monitor using cfg's NTPFailureThreshold/NTPWarnCooldown.
func NewMonitor(threshold int, warnCooldown, driftThreshold time.Duration) *Monitor {
	return &Monitor{threshold: threshold, warnCooldown: warnCooldown, driftThreshold: driftThreshold}
}

// RecordTimeout registers one more pending-query timeout and, once the
// streak crosses threshold, kicks off an async NTP check (at most once per
// warnCooldown).
func (m *Monitor) RecordTimeout() {
	m.contTimeouts++
	if m.contTimeouts <= m.threshold {
		return
	}
	if time.Since(m.lastWarn) < m.warnCooldown {
		return
	}
	m.lastWarn = time.Now()
	m.contTimeouts = 0
	go m.checkClockDrift()
}

// RecordSuccess resets the timeout streak: a successful reply means the
// recent timeouts were ordinary network loss, not a systemic clock problem.
func (m *Monitor) RecordSuccess() {
	m.contTimeouts = 0
}

func (m *Monitor) checkClockDrift() {
	resp, err := ntp.Query(ntpHost)
	if err != nil {
		log.Debug("diag: ntp query failed", "err", err)
		return
	}
	if d := resp.ClockOffset; d > m.driftThreshold || d < -m.driftThreshold {
		log.Warn("diag: local clock drift detected", "offset", d)
	}
}
