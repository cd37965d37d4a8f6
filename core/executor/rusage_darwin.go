//go:build darwin

package executor

import (
	"os"
	"syscall"
	"time"
)

// Darwin reports ru_maxrss in bytes.
func maxRSSKB(state *os.ProcessState) (int64, bool) {
	usage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || usage == nil {
		return 0, false
	}
	return int64(usage.Maxrss) / 1024, true
}

func processUsage() (processSample, bool) {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return processSample{}, false
	}
	cpu := time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
	return processSample{cpuMS: cpu.Milliseconds(), maxRSSKB: int64(usage.Maxrss) / 1024}, true
}
