package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/coderunr/cprunner/internal/compiler"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func NewRunCommand() *cobra.Command {
	var (
		flags  string
		status bool
	)

	cmd := &cobra.Command{
		Use:     "run <artifact|source>",
		Aliases: []string{"exec"},
		Short:   "Run a program interactively",
		Long: `Run a compiled program through the bridge, forwarding the terminal.

A C++ source file is compiled first.

Examples:
  # Compile and run
  cprunner run main.cpp

  # Run an existing artifact and show the exit status
  cprunner run ./main -s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			verbose, _ := cmd.Flags().GetBool("verbose")
			c := newClient(url)

			artifact, err := resolveArtifact(c, args[0], flags, verbose)
			if err != nil {
				return err
			}
			return runInteractive(c, artifact, status, verbose)
		},
	}

	cmd.Flags().StringVarP(&flags, "flags", "f", "", "Compiler flags when compiling a source file")
	cmd.Flags().BoolVarP(&status, "status", "s", false, "Show exit status information")

	return cmd
}

func isSourceFile(path string) bool {
	return compiler.SourceExtensions.Contains(strings.ToLower(filepath.Ext(path)))
}

// resolveArtifact compiles path when it is a source file
func resolveArtifact(c *client, path, flags string, verbose bool) (string, error) {
	if !isSourceFile(path) {
		return filepath.Abs(path)
	}

	result, err := compileFile(c, path, flags, false)
	if err != nil {
		return "", err
	}
	if !result.Success || verbose {
		printCompileResult(result, verbose)
	}
	if !result.Success {
		return "", fmt.Errorf("compilation failed")
	}
	return result.ArtifactPath, nil
}

func runInteractive(c *client, artifact string, showStatus, verbose bool) error {
	wsURL, err := convertToWebSocketURL(c.baseURL)
	if err != nil {
		return fmt.Errorf("failed to convert URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	if verbose {
		fmt.Printf("Connected to WebSocket: %s\n", wsURL+"/api/v1/events")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	signalsCh := make(chan os.Signal, 4)
	signal.Notify(signalsCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalsCh)

	messages := make(chan types.Event, 64)
	go func() {
		defer close(messages)
		for {
			var msg types.Event
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					fmt.Printf("WebSocket error: %v\n", err)
				}
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var info types.RunInfo
	dir := filepath.Dir(artifact)
	if err := c.post("/api/v1/run", types.RunRequest{ArtifactPath: artifact, Cwd: dir}, &info); err != nil {
		return err
	}

	if verbose {
		fmt.Printf("Started %s (pid %d)\n", info.ExecutableName, info.PID)
	}

	// Forward stdin to the run; end of input closes the program's stdin.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				_ = writeJSON(types.ClientMessage{Type: "data", Stream: "stdin", Data: string(buf[:n])})
			}
			if err != nil {
				if err == io.EOF {
					_ = writeJSON(types.ClientMessage{Type: "eof"})
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	for {
		select {
		case sig := <-signalsCh:
			if verbose {
				fmt.Printf("\nForwarding %s as stop\n", sig)
			}
			_ = writeJSON(types.ClientMessage{Type: "signal", Signal: sig.String()})

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.RunID != "" && msg.RunID != info.RunID {
				continue
			}

			switch msg.Type {
			case types.EventOutput:
				if msg.Stream == "stderr" {
					fmt.Fprint(os.Stderr, msg.Data)
				} else {
					fmt.Print(msg.Data)
				}

			case types.EventProcessExit:
				if showStatus || verbose {
					bold.Println("\n== Exit ==")
					if msg.ExitCode != nil {
						fmt.Print("Exit Code: ")
						if *msg.ExitCode == 0 {
							green.Printf("%d\n", *msg.ExitCode)
						} else {
							red.Printf("%d\n", *msg.ExitCode)
						}
					}
					if msg.Signal != "" {
						fmt.Print("Signal: ")
						yellow.Printf("%s\n", msg.Signal)
					}
					fmt.Printf("Time: %d ms  Memory: %d KB\n", msg.ElapsedMillis, msg.PeakMemoryKB)
				}
				if msg.ExitCode != nil && *msg.ExitCode != 0 {
					return fmt.Errorf("program exited with code %d", *msg.ExitCode)
				}
				return nil

			case types.EventProcessStopped:
				if showStatus || verbose {
					yellow.Println("\n== Stopped ==")
				}
				return nil

			case types.EventLaunchError, types.EventError:
				red.Printf("Error: %s\n", msg.Error)
				if msg.Type == types.EventLaunchError {
					return fmt.Errorf("launch failed: %s", msg.Error)
				}

			default:
				if verbose && msg.Type != types.EventProcessStarted {
					fmt.Printf("Event: %s\n", msg.Type)
				}
			}

		case <-ctx.Done():
			return nil
		}
	}
}
