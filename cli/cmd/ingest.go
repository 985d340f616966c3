package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Control the problem ingestion listener",
		Long: `Start or stop the listener that receives problems from the browser extension.

Examples:
  cprunner ingest start
  cprunner ingest stop`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the ingestion listener",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				url, _ := cmd.Flags().GetString("url")
				var resp struct {
					AlreadyRunning bool `json:"already_running"`
				}
				if err := newClient(url).post("/api/v1/ingest/start", nil, &resp); err != nil {
					return err
				}
				if resp.AlreadyRunning {
					fmt.Println("Ingestion listener already running")
				} else {
					fmt.Println("Ingestion listener started")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the ingestion listener",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				url, _ := cmd.Flags().GetString("url")
				var resp struct {
					Stopped bool `json:"stopped"`
				}
				if err := newClient(url).post("/api/v1/ingest/stop", nil, &resp); err != nil {
					return err
				}
				if resp.Stopped {
					fmt.Println("Ingestion listener stopped")
				} else {
					fmt.Println("Ingestion listener was not running")
				}
				return nil
			},
		},
	)

	return cmd
}
