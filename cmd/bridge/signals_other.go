//go:build !unix

package main

import "os"

var fullRosterSignals []os.Signal
