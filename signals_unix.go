//go:build !windows

package serve

import (
	"syscall"
)

func init() {
	HandledSignals[syscall.SIGTTIN] = onSignalIncLogLevel
	HandledSignals[syscall.SIGTTOU] = onSignalDecLogLevel
	HandledSignals[syscall.SIGUSR1] = onSignalReopenAccessLogFiles
}
