//go:build linux
// +build linux

package nce

import (
	"time"

	"golang.org/x/sys/unix"
)

// bootTime returns the guest counter epoch, the moment the host booted. A
// real counter register ticks from power on, so derived ticks follow suit.
func bootTime() time.Time {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return time.Now()
	}

	return time.Now().Add(-time.Duration(info.Uptime) * time.Second)
}
