package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewToolchainCommand() *cobra.Command {
	var redetect bool

	cmd := &cobra.Command{
		Use:     "toolchain",
		Aliases: []string{"compiler"},
		Short:   "Show the detected C++ compiler",
		Long: `Show which compiler the bridge uses.

Examples:
  # Show the cached compiler
  cprunner toolchain

  # Search the system again, for example after installing clang
  cprunner toolchain --redetect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")

			return showToolchain(newClient(url), redetect, verbose)
		},
	}

	cmd.Flags().BoolVarP(&redetect, "redetect", "r", false, "Search for a compiler again")

	return cmd
}

func showToolchain(c *client, redetect, verbose bool) error {
	var info types.ToolchainInfo
	var err error
	if redetect {
		err = c.post("/api/v1/toolchain/redetect", nil, &info)
	} else {
		err = c.get("/api/v1/toolchain", &info)
	}

	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		color.New(color.FgYellow).Println("No compiler detected; compiles will try g++ from PATH")
		return nil
	}
	if err != nil {
		return err
	}

	printToolchain(info, verbose)
	return nil
}

func printToolchain(info types.ToolchainInfo, verbose bool) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)

	bold.Println(info.DisplayName)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", info.ExecutablePath)
	if info.Version != nil {
		fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	}
	if info.SupportsFastLinker {
		fmt.Fprintf(w, "Fast linker:\t%s\n", green.Sprint(info.FastLinker))
	} else {
		fmt.Fprintf(w, "Fast linker:\tnone\n")
	}
	if verbose {
		for _, kv := range info.Env {
			fmt.Fprintf(w, "Env:\t%s\n", kv)
		}
	}
	w.Flush()
}
