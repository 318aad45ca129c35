//go:build darwin
// +build darwin

package nce

import (
	"time"

	"golang.org/x/sys/unix"
)

// bootTime returns the guest counter epoch, the moment the host booted. A
// real counter register ticks from power on, so derived ticks follow suit.
func bootTime() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return time.Now()
	}

	up := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
	return time.Now().Add(-up)
}
