package process

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ManagerOptions configures interactive runs
type ManagerOptions struct {
	PollInterval    time.Duration
	KillWaitTimeout time.Duration
	WaitDelay       time.Duration
	Env             []string
}

// Manager owns the single interactive run slot
type Manager struct {
	opts     ManagerOptions
	notifier events.Notifier
	logger   *logrus.Entry

	// opMu serializes Run and Stop so the slot changes hands one at a time.
	opMu sync.Mutex

	mu     sync.Mutex
	active *interactiveRun
}

type interactiveRun struct {
	info   types.RunInfo
	handle *Handle
}

// NewManager creates a new process manager
func NewManager(opts ManagerOptions, notifier events.Notifier, logger *logrus.Logger) *Manager {
	if notifier == nil {
		notifier = events.Discard
	}
	if opts.KillWaitTimeout <= 0 {
		opts.KillWaitTimeout = 2 * time.Second
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = time.Second
	}
	return &Manager{
		opts:     opts,
		notifier: notifier,
		logger:   logger.WithField("component", "process"),
	}
}

// Run launches artifact as the interactive process, stopping any previous one first
func (m *Manager) Run(artifact, dir string) (types.RunInfo, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if prev := m.take(); prev != nil {
		m.logger.WithField("run_id", prev.info.RunID).Info("Stopping previous run")
		m.terminate(prev)
	}

	runID := uuid.New().String()
	logger := m.logger.WithField("run_id", runID)

	if _, err := os.Stat(artifact); err != nil {
		err = fmt.Errorf("artifact not found: %w", err)
		m.launchError(runID, err)
		return types.RunInfo{}, err
	}

	ready := make(chan struct{})
	h, err := Start(Options{
		Path:         artifact,
		Dir:          dir,
		Env:          m.opts.Env,
		Stdout:       &eventWriter{notifier: m.notifier, runID: runID, stream: "stdout", ready: ready},
		Stderr:       &eventWriter{notifier: m.notifier, runID: runID, stream: "stderr", ready: ready},
		PollInterval: m.opts.PollInterval,
		WaitDelay:    m.opts.WaitDelay,
		Logger:       logger,
	})
	if err != nil {
		close(ready)
		m.launchError(runID, err)
		return types.RunInfo{}, err
	}

	r := &interactiveRun{
		info: types.RunInfo{
			RunID:          runID,
			PID:            h.PID(),
			ExecutableName: h.Name(),
			StartedAt:      h.StartedAt(),
		},
		handle: h,
	}

	m.mu.Lock()
	m.active = r
	m.mu.Unlock()

	m.notifier.Notify(types.Event{Type: types.EventProcessStarted, RunID: runID, Data: r.info.ExecutableName})
	close(ready)

	go m.watch(r)

	logger.WithField("pid", r.info.PID).Info("Interactive run started")
	return r.info, nil
}

// SendInput writes text to the active run. It returns false when nothing is running.
func (m *Manager) SendInput(text string) bool {
	m.mu.Lock()
	r := m.active
	m.mu.Unlock()

	if r == nil {
		return false
	}
	if _, err := r.handle.Write([]byte(text)); err != nil {
		m.logger.WithError(err).Debug("Input not delivered")
		return false
	}
	return true
}

// CloseInput sends end-of-file to the active run
func (m *Manager) CloseInput() bool {
	m.mu.Lock()
	r := m.active
	m.mu.Unlock()

	if r == nil {
		return false
	}
	return r.handle.CloseInput() == nil
}

// Stop terminates the active run. It reports whether there was one; calling
// it when idle is a no-op.
func (m *Manager) Stop() bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	r := m.take()
	if r == nil {
		return false
	}
	m.terminate(r)
	return true
}

// Active reports whether an interactive run is in progress
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// State returns the active run, if any
func (m *Manager) State() (types.RunInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return types.RunInfo{}, false
	}
	return m.active.info, true
}

func (m *Manager) take() *interactiveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.active
	m.active = nil
	return r
}

// terminate kills r and waits for it to be reaped. A process that outlives
// the wait is logged and abandoned.
func (m *Manager) terminate(r *interactiveRun) {
	r.handle.Terminate()

	timer := time.NewTimer(m.opts.KillWaitTimeout)
	defer timer.Stop()

	select {
	case <-r.handle.Done():
	case <-timer.C:
		m.logger.WithFields(logrus.Fields{
			"run_id": r.info.RunID,
			"pid":    r.info.PID,
		}).Warn("Process did not exit after termination")
	}
}

func (m *Manager) watch(r *interactiveRun) {
	ex := r.handle.Exit()

	m.mu.Lock()
	if m.active == r {
		m.active = nil
	}
	m.mu.Unlock()

	event := types.Event{
		RunID:         r.info.RunID,
		ElapsedMillis: ex.Elapsed.Milliseconds(),
		PeakMemoryKB:  ex.PeakMemoryKB,
		Signal:        ex.Signal,
	}
	if ex.Killed {
		event.Type = types.EventProcessStopped
	} else {
		event.Type = types.EventProcessExit
		code := ex.Code
		event.ExitCode = &code
	}
	m.notifier.Notify(event)
}

func (m *Manager) launchError(runID string, err error) {
	m.logger.WithError(err).WithField("run_id", runID).Warn("Launch failed")
	m.notifier.Notify(types.Event{Type: types.EventLaunchError, RunID: runID, Error: err.Error()})
}

// eventWriter turns process output into events. Writes wait until the run
// has been announced so output never precedes process_started.
type eventWriter struct {
	notifier events.Notifier
	runID    string
	stream   string
	ready    <-chan struct{}
}

func (w *eventWriter) Write(p []byte) (int, error) {
	<-w.ready
	w.notifier.Notify(types.Event{
		Type:   types.EventOutput,
		RunID:  w.runID,
		Stream: w.stream,
		Data:   string(p),
	})
	return len(p), nil
}
