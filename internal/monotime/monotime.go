// Package monotime exposes a monotonic clock independent of wall-clock
// adjustments, used anywhere the router/reliability/discovery code measures
// durations (RTT estimates, lease timers, heartbeat cadence).
package monotime

import "time"

var epoch = time.Now()

// Now returns the amount of time elapsed since the package was initialized.
// Because it is derived from time.Now() once and time.Since() thereafter,
// it is immune to wall-clock jumps (NTP steps, manual clock changes) in the
// same way runtime-internal monotonic readings are.
func Now() time.Duration {
	return time.Since(epoch)
}
