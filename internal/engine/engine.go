package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/compiler"
	"github.com/coderunr/cprunner/internal/config"
	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/ingest"
	"github.com/coderunr/cprunner/internal/judge"
	"github.com/coderunr/cprunner/internal/pch"
	"github.com/coderunr/cprunner/internal/process"
	"github.com/coderunr/cprunner/internal/toolchain"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
)

// Engine is the host-facing surface of the orchestration core
type Engine struct {
	locator   *toolchain.Locator
	headers   *pch.Cache
	compiler  *compiler.Compiler
	processes *process.Manager
	judge     *judge.Engine
	listener  *ingest.Listener
	notifier  events.Notifier
	logger    *logrus.Entry

	// opMu keeps compiles, batches and run launches from overlapping; they
	// share the artifact and its directory.
	opMu sync.Mutex
}

// New wires every component from configuration
func New(cfg *config.Config, notifier events.Notifier, logger *logrus.Logger) *Engine {
	if notifier == nil {
		notifier = events.Discard
	}

	e := &Engine{
		notifier: notifier,
		logger:   logger.WithField("component", "engine"),
	}

	e.locator = toolchain.NewLocator(toolchain.Options{
		CompilerPath: cfg.CompilerPath,
		BundledDir:   cfg.BundledCompilerDir,
		Candidates:   cfg.CompilerCandidates,
		FastLinker:   cfg.FastLinker,
	}, logger)

	e.processes = process.NewManager(process.ManagerOptions{
		PollInterval:    cfg.MemoryPollInterval,
		KillWaitTimeout: cfg.KillWaitTimeout,
	}, notifier, logger)

	var headers compiler.HeaderCache
	if cfg.PCHEnabled {
		e.headers = pch.NewCache(cfg.PCHDirectory(), cfg.CompileTimeout, logger)
		headers = e.headers
	}

	e.compiler = compiler.New(compiler.Options{
		ScratchDir:   cfg.ScratchDirectory(),
		LogPath:      cfg.CompileLogPath(),
		FixedFlags:   cfg.FixedFlags,
		DefaultFlags: cfg.DefaultFlags,
		FastLinker:   cfg.FastLinker,
		Timeout:      cfg.CompileTimeout,
		GracePeriod:  cfg.StopGracePeriod,
	}, e.locator, headers, e.processes, logger)

	e.judge = judge.New(judge.Options{
		PollInterval:    cfg.MemoryPollInterval,
		OutputLimit:     cfg.OutputMaxSize,
		KillWaitTimeout: cfg.KillWaitTimeout,
	}, notifier, logger)

	e.listener = ingest.NewListener(cfg.IngestAddress, cfg.RequestBodyLimit, ingest.Callbacks{
		OnProblem: func(p types.ProblemSubmission) {
			notifier.Notify(types.Event{Type: types.EventProblemReceived, Problem: &p})
		},
		OnFocus: func() {
			notifier.Notify(types.Event{Type: types.EventFocusRequested})
		},
	}, logger)

	return e
}

// Compile builds a source buffer, stopping any interactive run first
func (e *Engine) Compile(ctx context.Context, req types.CompileRequest) types.CompileResult {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.compiler.Compile(ctx, req)
}

// Run starts artifact interactively, replacing any previous run
func (e *Engine) Run(artifact, cwd string) (types.RunInfo, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.processes.Run(artifact, cwd)
}

// Stop terminates the interactive run; false when nothing was running
func (e *Engine) Stop() bool {
	return e.processes.Stop()
}

// SendInput forwards text to the interactive run; false when nothing is running
func (e *Engine) SendInput(text string) bool {
	return e.processes.SendInput(text)
}

// CloseInput sends end-of-file to the interactive run
func (e *Engine) CloseInput() bool {
	return e.processes.CloseInput()
}

// RunState returns the interactive run, if any
func (e *Engine) RunState() (types.RunInfo, bool) {
	return e.processes.State()
}

// RunBatchTests judges artifact against tests one after another
func (e *Engine) RunBatchTests(ctx context.Context, artifact string, tests []types.TestCase, limit time.Duration, onProgress judge.ProgressFunc) []types.BatchTestResult {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.processes.Stop() {
		e.logger.Debug("Stopped interactive run before batch")
	}

	start := time.Now()
	results := e.judge.RunMany(ctx, artifact, tests, limit, onProgress)

	passed := 0
	for _, r := range results {
		if r.Verdict == types.VerdictAccepted {
			passed++
		}
	}
	e.logger.WithFields(logrus.Fields{
		"artifact": artifact,
		"passed":   passed,
		"total":    len(results),
		"elapsed":  time.Since(start),
	}).Info("Batch finished")

	return results
}

// StartIngestionListener binds the problem listener
func (e *Engine) StartIngestionListener() (alreadyRunning bool, err error) {
	return e.listener.Start()
}

// StopIngestionListener unbinds the problem listener
func (e *Engine) StopIngestionListener(ctx context.Context) (bool, error) {
	return e.listener.Stop(ctx)
}

// IngestionAddress returns the bound listener address, "" when stopped
func (e *Engine) IngestionAddress() string {
	return e.listener.Addr()
}

// Toolchain returns the detected compiler
func (e *Engine) Toolchain(ctx context.Context) (*types.ToolchainInfo, error) {
	return e.locator.Locate(ctx)
}

// RedetectToolchain searches for a compiler again and forgets header build failures
func (e *Engine) RedetectToolchain(ctx context.Context) (*types.ToolchainInfo, error) {
	if e.headers != nil {
		e.headers.Forget()
	}
	return e.locator.Redetect(ctx)
}

// Shutdown stops the interactive run and the listener
func (e *Engine) Shutdown(ctx context.Context) error {
	e.processes.Stop()
	if _, err := e.listener.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
