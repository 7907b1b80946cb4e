//go:build windows

package adproxy

import (
	"os"
	"syscall"
)

// DefaultReloadSignals trigger a filter reload when no signals are given
// to WatchSignals.
var DefaultReloadSignals = []os.Signal{syscall.SIGHUP}
