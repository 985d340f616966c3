package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DefaultCommand is used when no compiler could be located; the OS path
// lookup gets the last word.
const DefaultCommand = "g++"

// EnvFile optionally sits next to a compiler and lists extra environment
// variables for every invocation of it.
const EnvFile = "toolchain.env"

// ErrNotFound is returned when none of the candidates is a usable compiler
var ErrNotFound = errors.New("no C++ compiler found")

var versionPattern = regexp.MustCompile(`\b(\d+\.\d+(?:\.\d+)?)\b`)

// Options configures candidate discovery
type Options struct {
	// CompilerPath overrides discovery when set.
	CompilerPath string
	// BundledDir is the directory of a compiler shipped with the application.
	BundledDir string
	// Candidates are extra paths searched after the bundled compiler.
	Candidates []string
	// FastLinker enables probing for mold or lld.
	FastLinker bool
	// ProbeTimeout bounds the version query.
	ProbeTimeout time.Duration
}

// Locator finds a compiler once and caches it until Redetect is called
type Locator struct {
	opts   Options
	logger *logrus.Entry

	mu   sync.RWMutex
	info *types.ToolchainInfo

	// overridable in tests
	lookPath  func(string) (string, error)
	wellKnown []string
}

// NewLocator creates a new toolchain locator
func NewLocator(opts Options, logger *logrus.Logger) *Locator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Locator{
		opts:      opts,
		logger:    logger.WithField("component", "toolchain"),
		lookPath:  exec.LookPath,
		wellKnown: wellKnownPaths(),
	}
}

// Locate returns the cached toolchain or searches for one
func (l *Locator) Locate(ctx context.Context) (*types.ToolchainInfo, error) {
	l.mu.RLock()
	info := l.info
	l.mu.RUnlock()
	if info != nil {
		return info, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another caller may have finished detection while we waited.
	if l.info != nil {
		return l.info, nil
	}

	info, err := l.detect(ctx)
	if err != nil {
		return nil, err
	}
	l.info = info
	return info, nil
}

// Redetect drops the cached result and searches again
func (l *Locator) Redetect(ctx context.Context) (*types.ToolchainInfo, error) {
	l.mu.Lock()
	l.info = nil
	l.mu.Unlock()

	l.logger.Info("Re-detecting compiler")
	return l.Locate(ctx)
}

// Command returns the located toolchain, or a fallback that lets the OS
// resolve DefaultCommand when nothing was found.
func (l *Locator) Command(ctx context.Context) types.ToolchainInfo {
	info, err := l.Locate(ctx)
	if err != nil {
		l.logger.WithError(err).Warnf("Falling back to %q", DefaultCommand)
		return types.ToolchainInfo{
			ExecutablePath: DefaultCommand,
			DisplayName:    DefaultCommand,
		}
	}
	return *info
}

func (l *Locator) detect(ctx context.Context) (*types.ToolchainInfo, error) {
	for _, candidate := range l.candidates() {
		if !isExecutable(candidate) {
			continue
		}

		info := l.probe(ctx, candidate)
		l.logger.WithFields(logrus.Fields{
			"path":        info.ExecutablePath,
			"version":     versionString(info.Version),
			"fast_linker": info.FastLinker,
		}).Info("Compiler detected")
		return info, nil
	}

	return nil, ErrNotFound
}

// candidates lists paths in priority order. Bundled first, then configured,
// then well-known system locations, then PATH.
func (l *Locator) candidates() []string {
	var out []string
	if l.opts.CompilerPath != "" {
		out = append(out, l.opts.CompilerPath)
	}
	if l.opts.BundledDir != "" {
		for _, name := range []string{"g++", "clang++"} {
			out = append(out, filepath.Join(l.opts.BundledDir, name+exeSuffix()))
		}
	}
	out = append(out, l.opts.Candidates...)
	out = append(out, l.wellKnown...)
	for _, name := range []string{"g++", "clang++"} {
		if p, err := l.lookPath(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (l *Locator) probe(ctx context.Context, path string) *types.ToolchainInfo {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}

	info := &types.ToolchainInfo{
		ExecutablePath: path,
		DisplayName:    filepath.Base(path),
	}

	probeCtx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, path, "--version").Output()
	if err != nil {
		l.logger.WithError(err).Warnf("Failed to query version of %s", path)
	} else {
		firstLine := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
		if firstLine != "" {
			info.DisplayName = firstLine
		}
		info.Version = parseVersion(firstLine)
	}

	if l.opts.FastLinker {
		info.FastLinker = l.findFastLinker(filepath.Dir(path))
		info.SupportsFastLinker = info.FastLinker != ""
	}

	info.Env = l.environment(path)
	return info
}

// findFastLinker looks for mold, then lld, next to the compiler and on PATH
func (l *Locator) findFastLinker(dir string) string {
	for _, name := range []string{"mold", "lld"} {
		bin := "ld." + name + exeSuffix()
		if isExecutable(filepath.Join(dir, bin)) {
			return name
		}
		if _, err := l.lookPath(bin); err == nil {
			return name
		}
	}
	return ""
}

// environment builds the overrides for a compiler. A bundled compiler gets
// its directory prepended to PATH so it finds its own assembler and linker.
func (l *Locator) environment(path string) []string {
	dir := filepath.Dir(path)
	var env []string

	if l.opts.BundledDir != "" && sameDir(dir, l.opts.BundledDir) {
		env = append(env, "PATH="+dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	envFile := filepath.Join(dir, EnvFile)
	if _, err := os.Stat(envFile); err == nil {
		vars, err := godotenv.Read(envFile)
		if err != nil {
			l.logger.WithError(err).Warnf("Failed to read %s", envFile)
		}
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, vars[k]))
		}
	}

	return env
}

func parseVersion(line string) *semver.Version {
	m := versionPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil
	}
	return v
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return strings.EqualFold(filepath.Ext(path), ".exe")
	}
	return fi.Mode().Perm()&0111 != 0
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return filepath.Clean(aa) == filepath.Clean(bb)
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func wellKnownPaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\msys64\ucrt64\bin\g++.exe`,
			`C:\msys64\mingw64\bin\g++.exe`,
			`C:\MinGW\bin\g++.exe`,
			`C:\Program Files\LLVM\bin\clang++.exe`,
		}
	case "darwin":
		return []string{
			"/opt/homebrew/bin/g++-14",
			"/opt/homebrew/bin/g++-13",
			"/usr/local/bin/g++-14",
			"/usr/local/bin/g++-13",
			"/usr/bin/clang++",
		}
	default:
		return []string{
			"/usr/bin/g++",
			"/usr/local/bin/g++",
			"/usr/bin/clang++",
		}
	}
}
