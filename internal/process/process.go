package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRunning is returned when writing to a process that has exited
	ErrNotRunning = errors.New("process is not running")
	// ErrInputClosed is returned when writing after CloseInput
	ErrInputClosed = errors.New("process input is closed")
)

// Options describes a launch
type Options struct {
	Path string
	Dir  string
	// Env is appended to the current environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// PollInterval enables memory sampling; zero disables it.
	PollInterval time.Duration
	// WaitDelay bounds how long output copying may outlive the process.
	WaitDelay time.Duration
	Logger    *logrus.Entry
}

// Exit is the final state of a process
type Exit struct {
	// Code is -1 when the process died from a signal.
	Code         int
	Signal       string
	Elapsed      time.Duration
	PeakMemoryKB int64
	// Killed is set when Terminate was called before the process exited.
	Killed bool
	Err    error
}

// Success reports a zero exit that was not forced
func (e Exit) Success() bool {
	return e.Code == 0 && e.Signal == "" && !e.Killed
}

// Handle owns one launched process, its input stream and its memory poller.
// The poller lives exactly as long as the handle's process.
type Handle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	name    string
	pid     int
	started time.Time
	logger  *logrus.Entry

	peak atomic.Int64

	pollStop chan struct{}
	pollOnce sync.Once

	reaped     atomic.Bool
	terminated atomic.Bool
	killed     atomic.Bool
	done       chan struct{}
	exit       Exit

	inMu     sync.Mutex
	inClosed bool
}

// Start launches a process with piped input and the given output writers
func Start(opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "process")
	}

	cmd := exec.Command(opts.Path)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = orDiscard(opts.Stdout)
	cmd.Stderr = orDiscard(opts.Stderr)
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = opts.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Path, err)
	}

	h := &Handle{
		cmd:      cmd,
		stdin:    stdin,
		name:     filepath.Base(opts.Path),
		pid:      cmd.Process.Pid,
		started:  time.Now(),
		pollStop: make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.logger = logger.WithFields(logrus.Fields{"pid": h.pid, "executable": h.name})

	if opts.PollInterval > 0 && memorySupported {
		go h.poll(opts.PollInterval)
	}
	go h.wait()

	h.logger.Debug("Process started")
	return h, nil
}

// PID returns the OS process id
func (h *Handle) PID() int { return h.pid }

// Name returns the executable's base name
func (h *Handle) Name() string { return h.name }

// StartedAt returns the launch time
func (h *Handle) StartedAt() time.Time { return h.started }

// PeakMemoryKB returns the highest memory use observed so far
func (h *Handle) PeakMemoryKB() int64 { return h.peak.Load() }

// Done is closed once the process has exited and its output is drained
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the final state. Only meaningful after Done is closed.
func (h *Handle) Exit() Exit {
	<-h.done
	return h.exit
}

// Wait blocks until the process exits or ctx is done
func (h *Handle) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Write sends data to the process's standard input
func (h *Handle) Write(p []byte) (int, error) {
	h.inMu.Lock()
	defer h.inMu.Unlock()

	if h.inClosed {
		return 0, ErrInputClosed
	}
	select {
	case <-h.done:
		return 0, ErrNotRunning
	default:
	}
	return h.stdin.Write(p)
}

// CloseInput closes standard input; repeated calls are no-ops
func (h *Handle) CloseInput() error {
	h.inMu.Lock()
	defer h.inMu.Unlock()

	if h.inClosed {
		return nil
	}
	h.inClosed = true
	return h.stdin.Close()
}

// Terminate stops the process with every strategy in order. It is safe to
// call any number of times; only the first call acts, and it never fails.
func (h *Handle) Terminate() {
	if !h.terminated.CompareAndSwap(false, true) {
		return
	}

	// The poller goes first so a slow kill cannot leave it running.
	h.stopPolling()

	if !h.reaped.Load() {
		h.killed.Store(true)
	}

	for _, s := range strategies {
		if s.needsPID && h.reaped.Load() {
			continue
		}
		if err := s.run(h); err != nil {
			h.logger.WithError(err).Debugf("Termination strategy %s failed", s.name)
		}
	}
}

// Killed reports whether Terminate reached the process before it exited
func (h *Handle) Killed() bool { return h.killed.Load() }

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.reaped.Store(true)
	elapsed := time.Since(h.started)
	h.stopPolling()

	ex := Exit{Elapsed: elapsed, Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		ex.Code = ps.ExitCode()
		ex.Signal = exitSignal(ps)
		h.raisePeak(maxRSSKB(ps))
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		ex.Err = err
	}
	ex.PeakMemoryKB = h.peak.Load()
	ex.Killed = h.killed.Load()
	h.exit = ex

	h.inMu.Lock()
	h.inClosed = true
	h.inMu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"code":    ex.Code,
		"signal":  ex.Signal,
		"elapsed": elapsed,
		"killed":  ex.Killed,
	}).Debug("Process exited")

	close(h.done)
}

func (h *Handle) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.sample()
	for {
		select {
		case <-h.pollStop:
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *Handle) sample() {
	if h.reaped.Load() {
		return
	}
	if kb, ok := readMemoryKB(h.pid); ok {
		h.raisePeak(kb)
	}
}

func (h *Handle) raisePeak(kb int64) {
	for {
		cur := h.peak.Load()
		if kb <= cur || h.peak.CompareAndSwap(cur, kb) {
			return
		}
	}
}

func (h *Handle) stopPolling() {
	h.pollOnce.Do(func() { close(h.pollStop) })
}

// strategy is one step of the termination escalation
type strategy struct {
	name string
	// needsPID strategies are skipped once the process is reaped, since the
	// id may already belong to another process.
	needsPID bool
	run      func(h *Handle) error
}

func discardStreams(h *Handle) error {
	return h.CloseInput()
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
