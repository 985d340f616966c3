package process

import (
	"os"
	"syscall"
)

// Darwin reports ru_maxrss in bytes.
func maxRSSKB(ps *os.ProcessState) int64 {
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	return ru.Maxrss / 1024
}
