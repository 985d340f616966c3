package process

import (
	"os"
	"syscall"
)

// Linux reports ru_maxrss in kilobytes.
func maxRSSKB(ps *os.ProcessState) int64 {
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return ru.Maxrss
}
