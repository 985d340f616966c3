package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const companionBody = `{
  "name": "A. Sum",
  "group": "Codeforces - Round 1",
  "url": "https://codeforces.com/problemset/problem/1/A",
  "interactive": false,
  "memoryLimit": 256,
  "timeLimit": 1000,
  "tests": [
    {"input": "2 3\n", "output": "5\n"},
    {"input": "1 1\n", "output": "2\n"}
  ],
  "testType": "single",
  "input": {"type": "stdin"},
  "output": {"type": "stdout"},
  "batch": {"id": "b-1", "size": 1}
}`

type collector struct {
	mu       sync.Mutex
	problems []types.ProblemSubmission
	focus    int
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnProblem: func(p types.ProblemSubmission) {
			c.mu.Lock()
			c.problems = append(c.problems, p)
			c.mu.Unlock()
		},
		OnFocus: func() {
			c.mu.Lock()
			c.focus++
			c.mu.Unlock()
		},
	}
}

func newTestListener(addr string, c *collector) *Listener {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewListener(addr, 1<<20, c.callbacks(), logger)
}

func TestParseProblem(t *testing.T) {
	p, err := ParseProblem([]byte(companionBody))
	require.NoError(t, err)

	assert.Equal(t, "A. Sum", p.Name)
	assert.Equal(t, "Codeforces - Round 1", p.Group)
	assert.Equal(t, int64(1000), p.TimeLimitMillis)
	assert.Equal(t, int64(256*1024), p.MemoryLimitKB)
	assert.Equal(t, "b-1", p.BatchID)
	require.Len(t, p.Tests, 2)
	assert.Equal(t, types.TestCase{ID: "1", Input: "2 3\n", ExpectedOutput: "5\n"}, p.Tests[0])
	assert.Equal(t, "2", p.Tests[1].ID)
}

func TestParseProblemFieldAliases(t *testing.T) {
	body := `{"name":"B","tests":[{"input":"x","expectedOutput":"1"},{"input":"y","expected_output":"2"},{"input":"z","answer":"3"},{"input":"w"}]}`
	p, err := ParseProblem([]byte(body))
	require.NoError(t, err)

	require.Len(t, p.Tests, 4)
	assert.Equal(t, "1", p.Tests[0].ExpectedOutput)
	assert.Equal(t, "2", p.Tests[1].ExpectedOutput)
	assert.Equal(t, "3", p.Tests[2].ExpectedOutput)
	assert.Equal(t, "", p.Tests[3].ExpectedOutput)
	assert.Zero(t, p.TimeLimitMillis)
}

func TestParseProblemErrors(t *testing.T) {
	bodies := []string{
		``,
		`not json`,
		`{"group":"no name"}`,
		`{"name":"   "}`,
		`{"name":"x","tests":"nope"}`,
		`{"name":"x","timeLimit":-1}`,
	}
	for _, body := range bodies {
		_, err := ParseProblem([]byte(body))
		assert.ErrorIs(t, err, ErrParse, body)
	}
}

func TestRouter(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		status   int
		response string
		accepted int
	}{
		{"valid", http.MethodPost, companionBody, http.StatusOK, "OK", 1},
		{"malformed", http.MethodPost, `{"name":`, http.StatusBadRequest, "Bad Request", 0},
		{"missing name", http.MethodPost, `{"tests":[]}`, http.StatusBadRequest, "Bad Request", 0},
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed, "Method Not Allowed", 0},
		{"put", http.MethodPut, companionBody, http.StatusMethodNotAllowed, "Method Not Allowed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{}
			l := newTestListener("127.0.0.1:0", c)

			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			l.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.response, rec.Body.String())
			assert.Len(t, c.problems, tt.accepted)
			assert.Equal(t, tt.accepted, c.focus)
		})
	}
}

func TestRouterBodyTooLarge(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewListener("127.0.0.1:0", 16, Callbacks{}, logger)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(companionBody))
	rec := httptest.NewRecorder()
	l.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStartStopIdempotent(t *testing.T) {
	c := &collector{}
	l := newTestListener("127.0.0.1:0", c)

	stopped, err := l.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)

	already, err := l.Start()
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, l.Running())

	already, err = l.Start()
	require.NoError(t, err)
	assert.True(t, already)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+l.Addr()+"/", "application/json", strings.NewReader(companionBody))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	c.mu.Lock()
	require.Len(t, c.problems, 1)
	assert.Equal(t, "A. Sum", c.problems[0].Name)
	c.mu.Unlock()

	stopped, err = l.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.False(t, l.Running())
	assert.Empty(t, l.Addr())

	stopped, err = l.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStartPortInUse(t *testing.T) {
	first := newTestListener("127.0.0.1:0", &collector{})
	_, err := first.Start()
	require.NoError(t, err)
	defer first.Stop(context.Background())

	second := newTestListener(first.Addr(), &collector{})
	already, err := second.Start()
	assert.Error(t, err)
	assert.False(t, already)
	assert.False(t, second.Running())
}
