package process

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

const memorySupported = true

// readMemoryKB returns the larger of VmHWM and VmRSS from /proc
func readMemoryKB(pid int) (int64, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, false
	}

	var best int64
	found := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmHWM:") && !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		found = true
		if kb > best {
			best = kb
		}
	}
	return best, found
}
