package judge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/process"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
)

// DefaultTimeLimit applies when a test batch does not specify one
const DefaultTimeLimit = 2 * time.Second

// Options configures judged runs
type Options struct {
	PollInterval    time.Duration
	OutputLimit     int64
	KillWaitTimeout time.Duration
	WaitDelay       time.Duration
	Env             []string
}

// ProgressFunc is called before each test starts. index is zero-based.
type ProgressFunc func(index int, test types.TestCase)

// Engine judges an artifact against test cases
type Engine struct {
	opts     Options
	notifier events.Notifier
	logger   *logrus.Entry
}

// New creates a new judge engine
func New(opts Options, notifier events.Notifier, logger *logrus.Logger) *Engine {
	if notifier == nil {
		notifier = events.Discard
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 64 << 20
	}
	if opts.KillWaitTimeout <= 0 {
		opts.KillWaitTimeout = 2 * time.Second
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = time.Second
	}
	return &Engine{
		opts:     opts,
		notifier: notifier,
		logger:   logger.WithField("component", "judge"),
	}
}

// RunMany judges tests strictly in order. Tests share the artifact and its
// directory, so they never run concurrently.
func (e *Engine) RunMany(ctx context.Context, artifact string, tests []types.TestCase, limit time.Duration, onProgress ProgressFunc) []types.BatchTestResult {
	results := make([]types.BatchTestResult, 0, len(tests))
	total := len(tests)

	for i, tc := range tests {
		if tc.ID == "" {
			tc.ID = strconv.Itoa(i + 1)
		}

		if onProgress != nil {
			onProgress(i, tc)
		}
		e.notifier.Notify(types.Event{
			Type:   types.EventBatchProgress,
			Index:  i + 1,
			Total:  total,
			TestID: tc.ID,
		})

		res := e.RunOne(ctx, artifact, tc, limit)
		results = append(results, res)

		e.notifier.Notify(types.Event{
			Type:   types.EventBatchResult,
			Index:  i + 1,
			Total:  total,
			TestID: tc.ID,
			Result: &res,
		})
	}

	return results
}

// RunOne judges a single test. It always returns one of the five verdicts.
func (e *Engine) RunOne(ctx context.Context, artifact string, tc types.TestCase, limit time.Duration) types.BatchTestResult {
	res := types.BatchTestResult{TestID: tc.ID}
	logger := e.logger.WithField("test_id", tc.ID)
	if limit <= 0 {
		limit = DefaultTimeLimit
	}

	if fi, err := os.Stat(artifact); err != nil || fi.IsDir() {
		res.Verdict = types.VerdictCompileError
		res.Detail = "executable not found: " + artifact
		return res
	}

	if ctx.Err() != nil {
		res.Verdict = types.VerdictRuntimeError
		res.Detail = "cancelled"
		return res
	}

	stdout := &limitedBuffer{limit: e.opts.OutputLimit}
	stderr := &limitedBuffer{limit: e.opts.OutputLimit}

	h, err := process.Start(process.Options{
		Path:         artifact,
		Dir:          filepath.Dir(artifact),
		Env:          e.opts.Env,
		Stdout:       stdout,
		Stderr:       stderr,
		PollInterval: e.opts.PollInterval,
		WaitDelay:    e.opts.WaitDelay,
		Logger:       logger,
	})
	if err != nil {
		res.Verdict = types.VerdictRuntimeError
		res.Detail = err.Error()
		return res
	}

	// The clock starts once the whole input is written. A program that never
	// reads its input gets the limit to do so.
	written := make(chan struct{})
	go func() {
		defer close(written)
		if tc.Input != "" {
			if _, err := h.Write([]byte(tc.Input)); err != nil {
				logger.WithError(err).Debug("Input not fully written")
			}
		}
		h.CloseInput()
	}()

	inputTimer := time.NewTimer(limit)
	select {
	case <-written:
	case <-h.Done():
	case <-inputTimer.C:
		e.kill(h, logger)
		return e.finish(res, stdout, stderr, h, types.VerdictTimeLimit, limit)
	case <-ctx.Done():
		e.kill(h, logger)
		res.Detail = "cancelled"
		return e.finish(res, stdout, stderr, h, types.VerdictRuntimeError, 0)
	}
	inputTimer.Stop()

	start := time.Now()
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-h.Done():
	case <-timer.C:
		e.kill(h, logger)
		return e.finish(res, stdout, stderr, h, types.VerdictTimeLimit, limit)
	case <-ctx.Done():
		e.kill(h, logger)
		res.Detail = "cancelled"
		return e.finish(res, stdout, stderr, h, types.VerdictRuntimeError, time.Since(start))
	}

	elapsed := time.Since(start)
	ex := h.Exit()

	switch {
	case elapsed > limit:
		return e.finish(res, stdout, stderr, h, types.VerdictTimeLimit, limit)
	case ex.Signal != "":
		res.Detail = "signal " + ex.Signal
		return e.finish(res, stdout, stderr, h, types.VerdictRuntimeError, elapsed)
	case ex.Code != 0:
		res.Detail = fmt.Sprintf("exit code %d", ex.Code)
		return e.finish(res, stdout, stderr, h, types.VerdictRuntimeError, elapsed)
	}

	got := Normalize(stdout.String())
	want := Normalize(tc.ExpectedOutput)
	if got == want {
		return e.finish(res, stdout, stderr, h, types.VerdictAccepted, elapsed)
	}

	res.Detail = mismatchDetail(want, got)
	if stdout.Truncated() {
		res.Detail += fmt.Sprintf("\noutput truncated at %d bytes", e.opts.OutputLimit)
	}
	res.Diff = unifiedDiff(want, got)
	return e.finish(res, stdout, stderr, h, types.VerdictWrongAnswer, elapsed)
}

func (e *Engine) finish(res types.BatchTestResult, stdout, stderr *limitedBuffer, h *process.Handle, verdict types.Verdict, elapsed time.Duration) types.BatchTestResult {
	res.Verdict = verdict
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ElapsedMillis = elapsed.Milliseconds()
	res.PeakMemoryKB = h.PeakMemoryKB()

	e.logger.WithFields(logrus.Fields{
		"test_id": res.TestID,
		"verdict": res.Verdict,
		"elapsed": res.ElapsedMillis,
		"memory":  res.PeakMemoryKB,
	}).Debug("Test judged")
	return res
}

// kill terminates h and waits a bounded time for it to be reaped
func (e *Engine) kill(h *process.Handle, logger *logrus.Entry) {
	h.Terminate()

	timer := time.NewTimer(e.opts.KillWaitTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		logger.WithField("pid", h.PID()).Warn("Process did not exit after termination")
	}
}

// limitedBuffer keeps the first limit bytes and silently discards the rest,
// so a chatty program is never blocked on a full pipe.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remain := b.limit - int64(b.buf.Len())
	switch {
	case remain <= 0:
		b.truncated = true
	case int64(len(p)) > remain:
		b.buf.Write(p[:remain])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
