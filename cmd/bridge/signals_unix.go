//go:build unix

package main

import (
	"os"
	"syscall"
)

// fullRosterSignals request a full roster resend in daemon mode.
var fullRosterSignals = []os.Signal{syscall.SIGUSR1}
