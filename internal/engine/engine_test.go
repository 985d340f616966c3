//go:build unix

package engine

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coderunr/cprunner/internal/config"
	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyCompiler "compiles" by copying the first source to the -o target, so
// sources in these tests are shell scripts.
const copyCompiler = `#!/bin/sh
case "$1" in --version) echo "g++ (Copy) 13.2.0"; exit 0;; esac
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
if grep -q SYNTAX_ERROR "$1"; then echo "error: bad syntax" >&2; exit 1; fi
cp "$1" "$out"
chmod +x "$out"
`

func newTestEngine(t *testing.T) (*Engine, *events.Recorder, *config.Config) {
	t.Helper()
	bin := t.TempDir()
	gxx := filepath.Join(bin, "g++")
	require.NoError(t, os.WriteFile(gxx, []byte(copyCompiler), 0755))

	cfg := config.Default()
	cfg.DataDirectory = t.TempDir()
	cfg.CompilerPath = gxx
	cfg.BundledCompilerDir = ""
	cfg.IngestAddress = "127.0.0.1:0"
	cfg.PCHEnabled = false
	cfg.StopGracePeriod = time.Millisecond

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rec := &events.Recorder{}
	return New(cfg, rec, logger), rec, cfg
}

const adder = "#!/bin/sh\nread a b\nprintf '%s' $((a+b))\n"

func TestCompileAndJudge(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	src := filepath.Join(t.TempDir(), "main.cpp")

	res := e.Compile(context.Background(), types.CompileRequest{SourcePath: src, SourceText: adder})
	require.True(t, res.Success, res.Diagnostics)
	assert.Equal(t, "g++ (Copy) 13.2.0", res.Compiler)

	tests := []types.TestCase{
		{ID: "1", Input: "2 3\n", ExpectedOutput: "5\n"},
		{ID: "2", Input: "2 3\n", ExpectedOutput: "6\n"},
	}
	var seen []int
	results := e.RunBatchTests(context.Background(), res.ArtifactPath, tests, time.Second, func(i int, _ types.TestCase) {
		seen = append(seen, i)
	})

	require.Len(t, results, 2)
	assert.Equal(t, types.VerdictAccepted, results[0].Verdict)
	assert.Equal(t, types.VerdictWrongAnswer, results[1].Verdict)
	assert.Equal(t, []int{0, 1}, seen)
	assert.Len(t, rec.OfType(types.EventBatchResult), 2)
}

func TestCompileFailureWritesLog(t *testing.T) {
	e, _, cfg := newTestEngine(t)

	res := e.Compile(context.Background(), types.CompileRequest{SourceText: "SYNTAX_ERROR\n"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Diagnostics, "error: bad syntax")

	logged, err := os.ReadFile(cfg.CompileLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(logged), "error: bad syntax")
}

func TestCompileStopsInteractiveRun(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	src := filepath.Join(t.TempDir(), "spin.cpp")

	res := e.Compile(context.Background(), types.CompileRequest{SourcePath: src, SourceText: "#!/bin/sh\nwhile :; do sleep 0.05; done\n"})
	require.True(t, res.Success, res.Diagnostics)

	info, err := e.Run(res.ArtifactPath, filepath.Dir(src))
	require.NoError(t, err)
	_, running := e.RunState()
	require.True(t, running)

	again := e.Compile(context.Background(), types.CompileRequest{SourcePath: src, SourceText: "#!/bin/sh\necho done\n"})
	require.True(t, again.Success, again.Diagnostics)

	_, running = e.RunState()
	assert.False(t, running)
	require.Eventually(t, func() bool {
		return len(rec.OfType(types.EventProcessStopped)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, info.RunID, rec.OfType(types.EventProcessStopped)[0].RunID)
	assert.False(t, e.Stop())
}

func TestMissingArtifactIsCompileError(t *testing.T) {
	e, _, _ := newTestEngine(t)

	results := e.RunBatchTests(context.Background(), filepath.Join(t.TempDir(), "none"), []types.TestCase{{ID: "1"}}, time.Second, nil)
	require.Len(t, results, 1)
	assert.Equal(t, types.VerdictCompileError, results[0].Verdict)
}

func TestIngestionPublishesEvents(t *testing.T) {
	e, rec, _ := newTestEngine(t)

	already, err := e.StartIngestionListener()
	require.NoError(t, err)
	require.False(t, already)
	defer e.Shutdown(context.Background())

	body := `{"name":"C. Pairs","timeLimit":2000,"memoryLimit":64,"tests":[{"input":"1\n","output":"1\n"}]}`
	resp, err := http.Post("http://"+e.IngestionAddress()+"/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	problems := rec.OfType(types.EventProblemReceived)
	require.Len(t, problems, 1)
	assert.Equal(t, "C. Pairs", problems[0].Problem.Name)
	assert.Equal(t, int64(64*1024), problems[0].Problem.MemoryLimitKB)
	assert.Len(t, rec.OfType(types.EventFocusRequested), 1)

	stopped, err := e.StopIngestionListener(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestToolchainRedetect(t *testing.T) {
	e, _, _ := newTestEngine(t)

	info, err := e.Toolchain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "13.2.0", info.Version.String())

	again, err := e.RedetectToolchain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info.ExecutablePath, again.ExecutablePath)
}
