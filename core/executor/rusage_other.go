//go:build !linux && !darwin

package executor

import "os"

// Peak RSS is unavailable, so usage stays unmeasured and limit checks fail closed.
func maxRSSKB(_ *os.ProcessState) (int64, bool) {
	return 0, false
}

func processUsage() (processSample, bool) {
	return processSample{}, false
}
