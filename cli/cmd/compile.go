package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewCompileCommand() *cobra.Command {
	var (
		flags        string
		noFastLinker bool
	)

	cmd := &cobra.Command{
		Use:     "compile <file>",
		Aliases: []string{"build"},
		Short:   "Compile a C++ source file",
		Long: `Compile a C++ source file with the bridge's toolchain.

Sibling sources named by local includes are compiled alongside the file.

Examples:
  # Compile with the default flags
  cprunner compile main.cpp

  # Compile with custom flags
  cprunner compile main.cpp --flags "-std=c++20 -O2 -DLOCAL"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")

			result, err := compileFile(newClient(url), args[0], flags, noFastLinker)
			if err != nil {
				return err
			}
			printCompileResult(result, verbose)
			if !result.Success {
				return fmt.Errorf("compilation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags, "flags", "f", "", "Compiler flags (default: the bridge's default flags)")
	cmd.Flags().BoolVar(&noFastLinker, "no-fast-linker", false, "Do not use mold or lld even when available")

	return cmd
}

func compileFile(c *client, filename, flags string, noFastLinker bool) (types.CompileResult, error) {
	path, err := filepath.Abs(filename)
	if err != nil {
		return types.CompileResult{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return types.CompileResult{}, fmt.Errorf("failed to read file %s: %w", filename, err)
	}

	request := types.CompileRequest{
		SourcePath: path,
		SourceText: string(content),
		Flags:      flags,
	}
	if noFastLinker {
		disabled := false
		request.UseFastLinker = &disabled
	}

	var result types.CompileResult
	if err := c.post("/api/v1/compile", request, &result); err != nil {
		return types.CompileResult{}, err
	}
	return result, nil
}

func printCompileResult(result types.CompileResult, verbose bool) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	bold.Println("== Compile ==")

	if result.Diagnostics != "" {
		bold.Println("DIAGNOSTICS")
		fmt.Print(indentLines(result.Diagnostics))
	}

	if result.Success {
		green.Print("OK")
		fmt.Printf(" %s (%d ms)\n", result.ArtifactPath, result.ElapsedMillis)
	} else {
		red.Println("FAILED")
		if result.LogPath != "" {
			fmt.Printf("Log: %s\n", result.LogPath)
		}
	}

	if verbose {
		fmt.Printf("Compiler: %s\n", result.Compiler)
		if result.Linker != "" {
			fmt.Printf("Linker: %s\n", result.Linker)
		}
		for _, src := range result.AuxiliarySources {
			fmt.Printf("Also compiled: %s\n", src)
		}
		if len(result.Args) > 0 {
			fmt.Printf("Args: %v\n", result.Args)
		}
	}

	fmt.Println()
}
