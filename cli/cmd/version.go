package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version information for the cprunner CLI and, when reachable, the bridge.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cprunner CLI v1.0.0")

			url, _ := cmd.Flags().GetString("url")
			var resp struct {
				Message string `json:"message"`
			}
			if err := newClient(url).get("/", &resp); err == nil {
				fmt.Printf("Bridge: %s\n", resp.Message)
			}
		},
	}

	return cmd
}
