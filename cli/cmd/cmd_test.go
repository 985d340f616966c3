package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSuiteTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tests.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
time_limit_ms = 1500

[[tests]]
input = "1 2\n"
output = "3\n"

[[tests]]
id = "big"
input = "5 5\n"
output = "10\n"
`), 0644))

	suite, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), suite.TimeLimitMillis)
	require.Len(t, suite.Tests, 2)
	assert.Equal(t, types.TestCase{ID: "1", Input: "1 2\n", ExpectedOutput: "3\n"}, suite.Tests[0])
	assert.Equal(t, "big", suite.Tests[1].ID)
}

func TestLoadSuiteDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.in":  "1\n",
		"a.out": "2\n",
		"b.in":  "3\n",
		"b.ans": "4\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	suite, err := LoadSuite(dir)
	require.NoError(t, err)
	require.Len(t, suite.Tests, 2)
	assert.Equal(t, types.TestCase{ID: "a", Input: "1\n", ExpectedOutput: "2\n"}, suite.Tests[0])
	assert.Equal(t, types.TestCase{ID: "b", Input: "3\n", ExpectedOutput: "4\n"}, suite.Tests[1])
}

func TestLoadSuiteErrors(t *testing.T) {
	_, err := LoadSuite(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	empty := t.TempDir()
	_, err = LoadSuite(empty)
	assert.EqualError(t, err, "suite has no tests")

	orphan := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "x.in"), []byte("1"), 0644))
	_, err = LoadSuite(orphan)
	assert.ErrorContains(t, err, "no expected output for x.in")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[tests]\n"), 0644))
	_, err = LoadSuite(bad)
	assert.ErrorContains(t, err, "failed to parse suite")
}

func TestConvertToWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:2000", "ws://127.0.0.1:2000", false},
		{"https://bridge.local/", "wss://bridge.local", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		got, err := convertToWebSocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/toolchain":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(types.ToolchainInfo{ExecutablePath: "g++"})
		case "/api/v1/compile":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(types.ErrorResponse{Message: "source_path or source_text is required", Code: 400})
		default:
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("short and stout\n"))
		}
	}))
	defer srv.Close()
	c := newClient(srv.URL)

	err := c.post("/api/v1/compile", types.CompileRequest{}, nil)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "source_path or source_text is required", se.Message)

	err = c.get("/other", nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "short and stout", se.Message)

	assert.NoError(t, showToolchain(c, false, false))
}

func TestCompileFileSendsBuffer(t *testing.T) {
	var got types.CompileRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(types.CompileResult{Success: true, ArtifactPath: "/tmp/main"})
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "main.cpp")
	require.NoError(t, os.WriteFile(src, []byte("int main(){}\n"), 0644))

	result, err := compileFile(newClient(srv.URL), src, "-O2", true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, src, got.SourcePath)
	assert.Equal(t, "int main(){}\n", got.SourceText)
	assert.Equal(t, "-O2", got.Flags)
	require.NotNil(t, got.UseFastLinker)
	assert.False(t, *got.UseFastLinker)
}

func TestIsSourceFile(t *testing.T) {
	assert.True(t, isSourceFile("main.cpp"))
	assert.True(t, isSourceFile("A.CC"))
	assert.False(t, isSourceFile("main"))
	assert.False(t, isSourceFile("main.exe"))
}

func TestPrintVerdicts(t *testing.T) {
	passed := printVerdicts([]types.BatchTestResult{
		{TestID: "1", Verdict: types.VerdictAccepted},
		{TestID: "2", Verdict: types.VerdictWrongAnswer, Detail: "expected: \"3\"\ngot: \"4\"", Diff: "-3\n+4\n"},
		{TestID: "3", Verdict: types.VerdictTimeLimit},
	}, true)
	assert.Equal(t, 1, passed)
}
