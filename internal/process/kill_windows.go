//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

var strategies = []strategy{
	{name: "taskkill-pid", needsPID: true, run: func(h *Handle) error {
		return exec.Command("taskkill", "/PID", strconv.Itoa(h.pid), "/T").Run()
	}},
	{name: "taskkill-image", run: func(h *Handle) error {
		return exec.Command("taskkill", "/F", "/IM", h.name, "/T").Run()
	}},
	{name: "kill", needsPID: true, run: func(h *Handle) error {
		return h.cmd.Process.Kill()
	}},
	{name: "discard", run: discardStreams},
}

// Windows processes do not die from signals.
func exitSignal(*os.ProcessState) string {
	return ""
}
