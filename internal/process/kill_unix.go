//go:build unix

package process

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Children get their own process group so the whole tree can be signalled.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

var strategies = []strategy{
	{name: "sigterm", needsPID: true, run: func(h *Handle) error {
		groupErr := unix.Kill(-h.pid, unix.SIGTERM)
		if err := unix.Kill(h.pid, unix.SIGTERM); err != nil && groupErr != nil {
			return err
		}
		return nil
	}},
	{name: "pkill", run: func(h *Handle) error {
		return exec.Command("pkill", "-KILL", "-x", commName(h.name)).Run()
	}},
	{name: "sigkill", needsPID: true, run: func(h *Handle) error {
		unix.Kill(-h.pid, unix.SIGKILL)
		return h.cmd.Process.Kill()
	}},
	{name: "discard", run: discardStreams},
}

// commName is the name the kernel reports, which Linux truncates
func commName(name string) string {
	if runtime.GOOS == "linux" && len(name) > 15 {
		return name[:15]
	}
	return name
}

func exitSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	if name := unix.SignalName(ws.Signal()); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", int(ws.Signal()))
}
