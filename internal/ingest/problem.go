package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coderunr/cprunner/internal/types"
)

// ErrParse wraps every reason a submitted body is rejected
var ErrParse = errors.New("malformed problem")

// rawProblem is the Competitive Companion payload
type rawProblem struct {
	Name        string    `json:"name"`
	Group       string    `json:"group"`
	URL         string    `json:"url"`
	Interactive bool      `json:"interactive"`
	MemoryLimit float64   `json:"memoryLimit"`
	TimeLimit   float64   `json:"timeLimit"`
	Tests       []rawTest `json:"tests"`
	Batch       struct {
		ID   string `json:"id"`
		Size int    `json:"size"`
	} `json:"batch"`
}

// rawTest accepts the field names used by the various browser extensions
type rawTest struct {
	Input           string  `json:"input"`
	Output          *string `json:"output"`
	ExpectedOutput  *string `json:"expectedOutput"`
	ExpectedOutput2 *string `json:"expected_output"`
	Answer          *string `json:"answer"`
}

func (t rawTest) expected() string {
	for _, s := range []*string{t.Output, t.ExpectedOutput, t.ExpectedOutput2, t.Answer} {
		if s != nil {
			return *s
		}
	}
	return ""
}

// ParseProblem decodes a submitted problem. memoryLimit arrives in megabytes.
func ParseProblem(body []byte) (types.ProblemSubmission, error) {
	var raw rawProblem
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.ProblemSubmission{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return types.ProblemSubmission{}, fmt.Errorf("%w: name is required", ErrParse)
	}
	if raw.TimeLimit < 0 || raw.MemoryLimit < 0 {
		return types.ProblemSubmission{}, fmt.Errorf("%w: limits must be non-negative", ErrParse)
	}

	p := types.ProblemSubmission{
		Name:            name,
		Group:           raw.Group,
		URL:             raw.URL,
		TimeLimitMillis: int64(raw.TimeLimit),
		MemoryLimitKB:   int64(raw.MemoryLimit * 1024),
		Interactive:     raw.Interactive,
		BatchID:         raw.Batch.ID,
		BatchSize:       raw.Batch.Size,
		Tests:           make([]types.TestCase, 0, len(raw.Tests)),
	}

	for i, t := range raw.Tests {
		p.Tests = append(p.Tests, types.TestCase{
			ID:             strconv.Itoa(i + 1),
			Input:          t.Input,
			ExpectedOutput: t.expected(),
		})
	}

	return p, nil
}
