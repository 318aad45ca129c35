//go:build !linux && !darwin
// +build !linux,!darwin

package nce

import "time"

// bootTime falls back to the supervisor's construction time on hosts with
// no portable way to read the boot moment; guest ticks then count from
// there instead of from power on.
func bootTime() time.Time {
	return time.Now()
}
