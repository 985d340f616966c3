//go:build unix

package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// syncBuffer is a bytes.Buffer safe for the exec copy goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func waitExit(t *testing.T, h *Handle) Exit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := h.Wait(ctx)
	require.NoError(t, err)
	return ex
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func TestStartCapturesOutputAndExitCode(t *testing.T) {
	path := script(t, "prog", `echo hello; echo oops >&2; exit 3`)

	var stdout, stderr syncBuffer
	h, err := Start(Options{Path: path, Stdout: &stdout, Stderr: &stderr, WaitDelay: time.Second})
	require.NoError(t, err)

	ex := waitExit(t, h)
	assert.Equal(t, 3, ex.Code)
	assert.Empty(t, ex.Signal)
	assert.False(t, ex.Killed)
	assert.False(t, ex.Success())
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
	assert.Equal(t, "prog", h.Name())
}

func TestStartEchoesInput(t *testing.T) {
	path := script(t, "echoer", `exec cat`)

	var stdout syncBuffer
	h, err := Start(Options{Path: path, Stdout: &stdout, WaitDelay: time.Second})
	require.NoError(t, err)

	_, err = h.Write([]byte("ping\n"))
	require.NoError(t, err)
	require.NoError(t, h.CloseInput())
	require.NoError(t, h.CloseInput())

	_, err = h.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrInputClosed)

	ex := waitExit(t, h)
	assert.True(t, ex.Success())
	assert.Equal(t, "ping\n", stdout.String())
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := Start(Options{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestTerminateIsIdempotent(t *testing.T) {
	path := script(t, "spinner-term", `while :; do sleep 0.05; done`)

	h, err := Start(Options{Path: path, WaitDelay: time.Second})
	require.NoError(t, err)

	h.Terminate()
	h.Terminate()

	ex := waitExit(t, h)
	assert.True(t, ex.Killed)
	assert.True(t, h.Killed())
	assert.Equal(t, -1, ex.Code)
	assert.NotEmpty(t, ex.Signal)
	assert.False(t, alive(h.PID()))

	h.Terminate()
}

func TestTerminateAfterNaturalExit(t *testing.T) {
	path := script(t, "quick", `exit 0`)

	h, err := Start(Options{Path: path, WaitDelay: time.Second})
	require.NoError(t, err)
	ex := waitExit(t, h)

	h.Terminate()
	assert.False(t, ex.Killed)
	assert.False(t, h.Killed())
	assert.True(t, ex.Success())
}

func TestExitBySignal(t *testing.T) {
	path := script(t, "crasher", `kill -SEGV $$`)

	h, err := Start(Options{Path: path, WaitDelay: time.Second})
	require.NoError(t, err)

	ex := waitExit(t, h)
	assert.Equal(t, "SIGSEGV", ex.Signal)
	assert.Equal(t, -1, ex.Code)
	assert.False(t, ex.Killed)
}

func TestPeakMemoryReported(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("memory accounting not available")
	}
	path := script(t, "napper", `sleep 0.2`)

	h, err := Start(Options{Path: path, PollInterval: 10 * time.Millisecond, WaitDelay: time.Second})
	require.NoError(t, err)

	ex := waitExit(t, h)
	assert.Positive(t, ex.PeakMemoryKB)
	assert.Equal(t, ex.PeakMemoryKB, h.PeakMemoryKB())
}

func newTestManager() (*Manager, *events.Recorder) {
	rec := &events.Recorder{}
	m := NewManager(ManagerOptions{
		PollInterval:    10 * time.Millisecond,
		KillWaitTimeout: 3 * time.Second,
	}, rec, testLogger())
	return m, rec
}

func eventually(t *testing.T, rec *events.Recorder, typ types.EventType, n int) []types.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rec.OfType(typ)) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return rec.OfType(typ)
}

func TestManagerEventOrder(t *testing.T) {
	m, rec := newTestManager()
	path := script(t, "greeter", `echo hi`)

	info, err := m.Run(path, filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "greeter", info.ExecutableName)
	assert.NotEmpty(t, info.RunID)

	exits := eventually(t, rec, types.EventProcessExit, 1)
	require.NotNil(t, exits[0].ExitCode)
	assert.Equal(t, 0, *exits[0].ExitCode)
	assert.Equal(t, info.RunID, exits[0].RunID)

	all := rec.Events()
	require.GreaterOrEqual(t, len(all), 3)
	assert.Equal(t, types.EventProcessStarted, all[0].Type)
	assert.Equal(t, types.EventOutput, all[1].Type)
	assert.Equal(t, "stdout", all[1].Stream)
	assert.Equal(t, "hi\n", all[1].Data)
	assert.Equal(t, types.EventProcessExit, all[len(all)-1].Type)

	assert.Eventually(t, func() bool { return !m.Active() }, time.Second, 5*time.Millisecond)
}

func TestManagerRunTwiceLeavesOneProcess(t *testing.T) {
	m, rec := newTestManager()
	path := script(t, "spinner-twice", `while :; do sleep 0.05; done`)

	first, err := m.Run(path, "")
	require.NoError(t, err)
	m.mu.Lock()
	firstHandle := m.active.handle
	m.mu.Unlock()

	second, err := m.Run(path, "")
	require.NoError(t, err)
	defer m.Stop()

	select {
	case <-firstHandle.Done():
	default:
		t.Fatal("first run still live after second Run")
	}
	assert.False(t, alive(first.PID))
	assert.True(t, alive(second.PID))

	state, ok := m.State()
	require.True(t, ok)
	assert.Equal(t, second.RunID, state.RunID)

	stopped := eventually(t, rec, types.EventProcessStopped, 1)
	assert.Equal(t, first.RunID, stopped[0].RunID)
}

func TestManagerStop(t *testing.T) {
	m, rec := newTestManager()
	assert.False(t, m.Stop())

	path := script(t, "spinner-stop", `while :; do sleep 0.05; done`)
	info, err := m.Run(path, "")
	require.NoError(t, err)
	require.True(t, m.Active())

	assert.True(t, m.Stop())
	assert.False(t, m.Stop())
	assert.False(t, m.Active())
	assert.False(t, alive(info.PID))

	stopped := eventually(t, rec, types.EventProcessStopped, 1)
	assert.Equal(t, info.RunID, stopped[0].RunID)
	assert.Nil(t, stopped[0].ExitCode)
	assert.Empty(t, rec.OfType(types.EventProcessExit))
}

func TestManagerSendInput(t *testing.T) {
	m, rec := newTestManager()
	assert.False(t, m.SendInput("nobody home\n"))
	assert.False(t, m.CloseInput())

	path := script(t, "cat-loop", `exec cat`)
	_, err := m.Run(path, "")
	require.NoError(t, err)

	assert.True(t, m.SendInput("hello\n"))
	out := eventually(t, rec, types.EventOutput, 1)
	assert.Equal(t, "hello\n", out[0].Data)

	assert.True(t, m.CloseInput())
	eventually(t, rec, types.EventProcessExit, 1)
	assert.False(t, m.SendInput("after exit\n"))
}

func TestManagerLaunchError(t *testing.T) {
	m, rec := newTestManager()

	_, err := m.Run(filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)

	launch := rec.OfType(types.EventLaunchError)
	require.Len(t, launch, 1)
	assert.Contains(t, launch[0].Error, "artifact not found")
	assert.False(t, m.Active())
	assert.Empty(t, rec.OfType(types.EventProcessStarted))
}
