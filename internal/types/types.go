package types

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// Verdict is the classification of one judged test execution
type Verdict string

const (
	VerdictAccepted     Verdict = "AC"
	VerdictWrongAnswer  Verdict = "WA"
	VerdictTimeLimit    Verdict = "TLE"
	VerdictRuntimeError Verdict = "RE"
	VerdictCompileError Verdict = "CE"
)

// Valid reports whether v is one of the five known verdicts
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAccepted, VerdictWrongAnswer, VerdictTimeLimit, VerdictRuntimeError, VerdictCompileError:
		return true
	}
	return false
}

// CompileRequest describes one compilation of an edit buffer
type CompileRequest struct {
	// SourcePath is empty for an unsaved buffer.
	SourcePath    string `json:"source_path,omitempty"`
	SourceText    string `json:"source_text"`
	Flags         string `json:"flags,omitempty"`
	UseFastLinker *bool  `json:"use_fast_linker,omitempty"`
}

// FastLinkerEnabled reports whether the request allows the fast linker
func (r *CompileRequest) FastLinkerEnabled() bool {
	return r.UseFastLinker == nil || *r.UseFastLinker
}

// CompileResult is the outcome of a compilation
type CompileResult struct {
	Success          bool     `json:"success"`
	ArtifactPath     string   `json:"artifact_path,omitempty"`
	Diagnostics      string   `json:"diagnostics"`
	Compiler         string   `json:"compiler"`
	Linker           string   `json:"linker,omitempty"`
	ElapsedMillis    int64    `json:"elapsed_ms"`
	AuxiliarySources []string `json:"auxiliary_sources"`
	Args             []string `json:"args,omitempty"`
	LogPath          string   `json:"log_path,omitempty"`
}

// ToolchainInfo describes a detected compiler installation
type ToolchainInfo struct {
	ExecutablePath     string          `json:"executable_path"`
	DisplayName        string          `json:"display_name"`
	Version            *semver.Version `json:"version,omitempty"`
	SupportsFastLinker bool            `json:"supports_fast_linker"`
	FastLinker         string          `json:"fast_linker,omitempty"`
	Env                []string        `json:"env,omitempty"`
}

// Identity returns the string used to tell compilers apart in cache keys
func (t *ToolchainInfo) Identity() string {
	if t.Version == nil {
		return t.ExecutablePath
	}
	return t.ExecutablePath + "@" + t.Version.String()
}

// PchEntry is a precompiled header artifact addressed by fingerprint
type PchEntry struct {
	Fingerprint string `json:"fingerprint"`
	Dir         string `json:"dir"`
	Header      string `json:"header"`
	Ready       bool   `json:"ready"`
}

// RunInfo is the host-visible view of a running interactive process
type RunInfo struct {
	RunID          string    `json:"run_id"`
	PID            int       `json:"pid"`
	ExecutableName string    `json:"executable_name"`
	StartedAt      time.Time `json:"started_at"`
}

// TestCase is one (input, expected output) pair
type TestCase struct {
	ID             string `json:"id" toml:"id"`
	Input          string `json:"input" toml:"input"`
	ExpectedOutput string `json:"expected_output" toml:"output"`
}

// BatchTestResult is the judged outcome of one test case
type BatchTestResult struct {
	TestID        string  `json:"test_id"`
	Verdict       Verdict `json:"verdict"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ElapsedMillis int64   `json:"elapsed_ms"`
	PeakMemoryKB  int64   `json:"peak_memory_kb"`
	Detail        string  `json:"detail,omitempty"`
	Diff          string  `json:"diff,omitempty"`
}

// ProblemSubmission is a problem definition pushed to the ingestion listener
type ProblemSubmission struct {
	Name            string     `json:"name"`
	Group           string     `json:"group,omitempty"`
	URL             string     `json:"url,omitempty"`
	TimeLimitMillis int64      `json:"time_limit_ms"`
	MemoryLimitKB   int64      `json:"memory_limit_kb"`
	Interactive     bool       `json:"interactive,omitempty"`
	BatchID         string     `json:"batch_id,omitempty"`
	BatchSize       int        `json:"batch_size,omitempty"`
	Tests           []TestCase `json:"tests"`
}

// EventType names a host-facing notification
type EventType string

const (
	EventProcessStarted  EventType = "process_started"
	EventOutput          EventType = "output"
	EventProcessExit     EventType = "process_exit"
	EventProcessStopped  EventType = "process_stopped"
	EventLaunchError     EventType = "launch_error"
	EventBatchProgress   EventType = "batch_progress"
	EventBatchResult     EventType = "batch_result"
	EventProblemReceived EventType = "problem_received"
	EventFocusRequested  EventType = "focus_requested"
	EventError           EventType = "error"
)

// Event is a notification produced toward the host UI
type Event struct {
	Type          EventType          `json:"type"`
	RunID         string             `json:"run_id,omitempty"`
	Stream        string             `json:"stream,omitempty"`
	Data          string             `json:"data,omitempty"`
	ExitCode      *int               `json:"code,omitempty"`
	Signal        string             `json:"signal,omitempty"`
	ElapsedMillis int64              `json:"elapsed_ms,omitempty"`
	PeakMemoryKB  int64              `json:"peak_memory_kb,omitempty"`
	Index         int                `json:"index,omitempty"` // 1-based within a batch
	Total         int                `json:"total,omitempty"`
	TestID        string             `json:"test_id,omitempty"`
	Result        *BatchTestResult   `json:"result,omitempty"`
	Problem       *ProblemSubmission `json:"problem,omitempty"`
	Error         string             `json:"error,omitempty"`
	Time          time.Time          `json:"time"`
}

// ClientMessage is a message sent by the host over the event websocket
type ClientMessage struct {
	Type   string `json:"type"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// RunRequest starts an interactive run
type RunRequest struct {
	ArtifactPath string `json:"artifact_path"`
	Cwd          string `json:"cwd,omitempty"`
}

// InputRequest forwards text to the interactive run
type InputRequest struct {
	Data string `json:"data"`
	// EOF closes standard input after Data is written.
	EOF bool `json:"eof,omitempty"`
}

// BatchRequest judges an artifact against test cases
type BatchRequest struct {
	ArtifactPath    string     `json:"artifact_path"`
	Tests           []TestCase `json:"tests"`
	TimeLimitMillis int64      `json:"time_limit_ms"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
