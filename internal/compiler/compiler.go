package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/pch"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Toolchain resolves the compiler to invoke
type Toolchain interface {
	Command(ctx context.Context) types.ToolchainInfo
}

// HeaderCache provides precompiled headers
type HeaderCache interface {
	Ensure(ctx context.Context, compiler *types.ToolchainInfo, flags []string) types.PchEntry
}

// RunStopper is the interactive run slot that must be emptied before compiling
type RunStopper interface {
	Active() bool
	Stop() bool
}

// Options configures the compiler
type Options struct {
	ScratchDir   string
	LogPath      string
	FixedFlags   []string
	DefaultFlags []string
	FastLinker   bool
	Timeout      time.Duration
	GracePeriod  time.Duration
}

// Compiler turns edit buffers into artifacts
type Compiler struct {
	opts      Options
	toolchain Toolchain
	headers   HeaderCache
	runs      RunStopper
	logger    *logrus.Entry

	mu        sync.Mutex
	ephemeral string
}

// New creates a compiler. headers and runs may be nil.
func New(opts Options, toolchain Toolchain, headers HeaderCache, runs RunStopper, logger *logrus.Logger) *Compiler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Compiler{
		opts:      opts,
		toolchain: toolchain,
		headers:   headers,
		runs:      runs,
		logger:    logger.WithField("component", "compiler"),
	}
}

// Invocation is everything that goes on the compiler command line
type Invocation struct {
	Sources    []string
	Output     string
	SourceDir  string
	FixedFlags []string
	UserFlags  []string
	FastLinker string
	PCHDir     string
}

// BuildArgs lays out the command line in its fixed order:
// sources, output, source include dir, fixed flags, user flags, linker, header cache.
func BuildArgs(inv Invocation) []string {
	args := make([]string, 0, len(inv.Sources)+len(inv.FixedFlags)+len(inv.UserFlags)+8)
	args = append(args, inv.Sources...)
	args = append(args, "-o", inv.Output, "-I", inv.SourceDir)
	args = append(args, inv.FixedFlags...)
	args = append(args, inv.UserFlags...)
	if inv.FastLinker != "" {
		args = append(args, "-fuse-ld="+inv.FastLinker)
	}
	if inv.PCHDir != "" {
		args = append(args, "-I", inv.PCHDir, "-include", pch.HeaderName)
	}
	return args
}

// Compile builds the request's source. Failures are reported in the result.
func (c *Compiler) Compile(ctx context.Context, req types.CompileRequest) types.CompileResult {
	start := time.Now()

	if c.runs != nil && c.runs.Active() {
		c.logger.Debug("Stopping active run before compiling")
		c.runs.Stop()
		c.wait(ctx, c.opts.GracePeriod)
	}

	source, text, err := c.prepareSource(req)
	if err != nil {
		return c.fail(start, types.ToolchainInfo{}, nil, err.Error())
	}

	userFlags, err := shlex.Split(req.Flags)
	if err != nil {
		return c.fail(start, types.ToolchainInfo{}, nil, fmt.Sprintf("invalid flags %q: %v", req.Flags, err))
	}
	if len(userFlags) == 0 {
		userFlags = c.opts.DefaultFlags
	}

	tc := c.toolchain.Command(ctx)
	logger := c.logger.WithFields(logrus.Fields{"source": source, "compiler": tc.ExecutablePath})

	inv := Invocation{
		Sources:    append([]string{source}, FindCompanionSources(source, text)...),
		Output:     stagingPath(ArtifactPath(source)),
		SourceDir:  filepath.Dir(source),
		FixedFlags: c.opts.FixedFlags,
		UserFlags:  userFlags,
	}

	if c.headers != nil && pch.NeedsHeader(text) {
		entry := c.headers.Ensure(ctx, &tc, append(append([]string{}, inv.FixedFlags...), userFlags...))
		if entry.Ready {
			inv.PCHDir = entry.Dir
		} else {
			logger.Debug("Precompiled header unavailable, compiling without it")
		}
	}

	if c.opts.FastLinker && req.FastLinkerEnabled() && tc.SupportsFastLinker {
		inv.FastLinker = tc.FastLinker
	}

	args := BuildArgs(inv)
	result := c.run(ctx, tc, inv, args, start)
	result.AuxiliarySources = inv.Sources[1:]
	if result.AuxiliarySources == nil {
		result.AuxiliarySources = []string{}
	}

	logger.WithFields(logrus.Fields{
		"success": result.Success,
		"elapsed": result.ElapsedMillis,
		"aux":     len(result.AuxiliarySources),
	}).Info("Compilation finished")

	return result
}

func (c *Compiler) run(ctx context.Context, tc types.ToolchainInfo, inv Invocation, args []string, start time.Time) types.CompileResult {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tc.ExecutablePath, args...)
	cmd.Dir = inv.SourceDir
	if len(tc.Env) > 0 {
		cmd.Env = append(os.Environ(), tc.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	diagnostics := stderr.String()

	if err != nil {
		os.Remove(inv.Output)

		var exitErr *exec.ExitError
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			diagnostics += fmt.Sprintf("\ncompilation timed out after %s", c.opts.Timeout)
		case !errors.As(err, &exitErr):
			// The compiler never started.
			diagnostics = err.Error()
		}
		return c.fail(start, tc, args, diagnostics)
	}

	artifact := ArtifactPath(inv.Sources[0])
	if err := os.Rename(inv.Output, artifact); err != nil {
		return c.fail(start, tc, args, fmt.Sprintf("failed to install artifact: %v", err))
	}

	return types.CompileResult{
		Success:       true,
		ArtifactPath:  artifact,
		Diagnostics:   diagnostics,
		Compiler:      tc.DisplayName,
		Linker:        inv.FastLinker,
		ElapsedMillis: time.Since(start).Milliseconds(),
		Args:          args,
	}
}

// fail builds a failed result and overwrites the diagnostic log
func (c *Compiler) fail(start time.Time, tc types.ToolchainInfo, args []string, diagnostics string) types.CompileResult {
	result := types.CompileResult{
		Success:          false,
		Diagnostics:      diagnostics,
		Compiler:         tc.DisplayName,
		ElapsedMillis:    time.Since(start).Milliseconds(),
		AuxiliarySources: []string{},
		Args:             args,
	}

	if c.opts.LogPath != "" {
		if err := writeLog(c.opts.LogPath, diagnostics); err != nil {
			c.logger.WithError(err).Warn("Failed to write compile log")
		} else {
			result.LogPath = c.opts.LogPath
		}
	}

	return result
}

// prepareSource resolves the source path and syncs the buffer to disk
func (c *Compiler) prepareSource(req types.CompileRequest) (string, string, error) {
	path := req.SourcePath
	text := req.SourceText

	if path == "" {
		path = c.ephemeralPath()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	// A saved file sent without its text is compiled as it is on disk.
	if req.SourcePath != "" && text == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", fmt.Errorf("failed to read source: %w", err)
		}
		return path, string(data), nil
	}

	if _, err := writeIfChanged(path, []byte(text)); err != nil {
		return "", "", fmt.Errorf("failed to write source: %w", err)
	}
	return path, text, nil
}

// ephemeralPath is synthesized once and reused for every unsaved buffer
func (c *Compiler) ephemeralPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ephemeral == "" {
		c.ephemeral = filepath.Join(c.opts.ScratchDir, "untitled-"+uuid.New().String()[:8]+".cpp")
	}
	return c.ephemeral
}

func (c *Compiler) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// writeIfChanged writes content unless the file already holds exactly it
func writeIfChanged(path string, content []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, content) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return false, err
	}
	return true, nil
}

func writeLog(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return os.WriteFile(path, []byte(text), 0644)
}
