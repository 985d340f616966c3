package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Suite is a judge test file:
//
//	time_limit_ms = 2000
//
//	[[tests]]
//	input = "1 2\n"
//	output = "3\n"
type Suite struct {
	TimeLimitMillis int64            `toml:"time_limit_ms"`
	Tests           []types.TestCase `toml:"tests"`
}

// expectedExtensions are tried in order next to each .in file.
var expectedExtensions = []string{".out", ".ans"}

func NewJudgeCommand() *cobra.Command {
	var (
		flags       string
		timeLimitMs int64
		showDiff    bool
	)

	cmd := &cobra.Command{
		Use:     "judge <artifact|source> <suite>",
		Aliases: []string{"test"},
		Short:   "Judge a program against test cases",
		Long: `Run a program against test cases and report AC, WA, TLE, RE or CE per test.

The suite is either a TOML file with [[tests]] tables or a directory of
NAME.in files paired with NAME.out or NAME.ans.

Examples:
  # Judge against a TOML suite
  cprunner judge main.cpp tests.toml

  # Judge against a directory with a 1 second limit
  cprunner judge ./main samples/ -t 1000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")
			c := newClient(url)

			suite, err := LoadSuite(args[1])
			if err != nil {
				return err
			}
			if timeLimitMs > 0 {
				suite.TimeLimitMillis = timeLimitMs
			}

			artifact, err := resolveArtifact(c, args[0], flags, verbose)
			if err != nil {
				return err
			}

			var results []types.BatchTestResult
			if err := c.post("/api/v1/batch", types.BatchRequest{
				ArtifactPath:    artifact,
				Tests:           suite.Tests,
				TimeLimitMillis: suite.TimeLimitMillis,
			}, &results); err != nil {
				return err
			}

			passed := printVerdicts(results, showDiff || verbose)
			if passed != len(results) {
				return fmt.Errorf("%d of %d tests failed", len(results)-passed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags, "flags", "f", "", "Compiler flags when compiling a source file")
	cmd.Flags().Int64VarP(&timeLimitMs, "time-limit", "t", 0, "Time limit per test in milliseconds (overrides the suite)")
	cmd.Flags().BoolVarP(&showDiff, "diff", "d", false, "Show a diff for wrong answers")

	return cmd
}

// LoadSuite reads a TOML suite file or a directory of .in/.out pairs
func LoadSuite(path string) (*Suite, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}

	var suite *Suite
	if info.IsDir() {
		suite, err = loadSuiteDir(path)
	} else {
		suite, err = loadSuiteFile(path)
	}
	if err != nil {
		return nil, err
	}

	if len(suite.Tests) == 0 {
		return nil, errors.New("suite has no tests")
	}
	for i := range suite.Tests {
		if suite.Tests[i].ID == "" {
			suite.Tests[i].ID = fmt.Sprint(i + 1)
		}
	}
	return suite, nil
}

func loadSuiteFile(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}

	var suite Suite
	if err := toml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse suite %s: %w", path, err)
	}
	return &suite, nil
}

func loadSuiteDir(dir string) (*Suite, error) {
	inputs, err := filepath.Glob(filepath.Join(dir, "*.in"))
	if err != nil {
		return nil, err
	}
	sort.Strings(inputs)

	suite := &Suite{}
	for _, in := range inputs {
		input, err := os.ReadFile(in)
		if err != nil {
			return nil, err
		}

		stem := strings.TrimSuffix(in, ".in")
		var expected []byte
		for _, ext := range expectedExtensions {
			expected, err = os.ReadFile(stem + ext)
			if err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("no expected output for %s", filepath.Base(in))
		}

		suite.Tests = append(suite.Tests, types.TestCase{
			ID:             filepath.Base(stem),
			Input:          string(input),
			ExpectedOutput: string(expected),
		})
	}
	return suite, nil
}

func verdictColor(v types.Verdict) *color.Color {
	switch v {
	case types.VerdictAccepted:
		return color.New(color.FgGreen, color.Bold)
	case types.VerdictWrongAnswer:
		return color.New(color.FgRed, color.Bold)
	case types.VerdictTimeLimit:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgMagenta, color.Bold)
	}
}

// printVerdicts prints one line per result and returns how many passed
func printVerdicts(results []types.BatchTestResult, showDiff bool) int {
	bold := color.New(color.Bold)
	passed := 0

	for _, r := range results {
		if r.Verdict == types.VerdictAccepted {
			passed++
		}

		fmt.Printf("Test %-6s ", r.TestID)
		verdictColor(r.Verdict).Printf("%-3s", r.Verdict)
		fmt.Printf("  %5d ms  %7d KB\n", r.ElapsedMillis, r.PeakMemoryKB)

		if r.Verdict == types.VerdictAccepted {
			continue
		}
		if r.Detail != "" {
			fmt.Print(indentLines(r.Detail))
		}
		if showDiff && r.Diff != "" {
			fmt.Print(indentLines(r.Diff))
		}
	}

	fmt.Println()
	summary := bold
	if passed == len(results) {
		summary = color.New(color.FgGreen, color.Bold)
	}
	summary.Printf("%d/%d passed\n", passed, len(results))
	return passed
}
