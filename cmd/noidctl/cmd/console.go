package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/opensandbox/pkg/noidclient"
)

const (
	frameStdout byte = 0x01
	frameStdin  byte = 0x03
)

var consoleCmd = &cobra.Command{
	Use:   "console <name>",
	Short: "Attach an interactive serial console to a microVM",
	Long: `Attach attaches the calling terminal to a microVM's serial console
over a WebSocket, per the noid console framing (0x01 stdout, 0x03 stdin).
Exit with Ctrl-].`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		name := args[0]

		c := noidclient.New(serverURL, apiToken)
		conn, err := c.DialConsole(context.Background(), name)
		if err != nil {
			return fmt.Errorf("console attach: %w", err)
		}
		defer conn.Close()

		fd := int(os.Stdin.Fd())
		var oldState *term.State
		if term.IsTerminal(fd) {
			oldState, err = term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("set raw terminal: %w", err)
			}
			defer term.Restore(fd, oldState)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				msgType, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if msgType != websocket.BinaryMessage || len(msg) == 0 {
					continue
				}
				if msg[0] == frameStdout {
					os.Stdout.Write(msg[1:])
				}
			}
		}()

		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if n == 1 && buf[0] == 0x1d { // Ctrl-]
						conn.Close()
						return
					}
					frame := append([]byte{frameStdin}, buf[:n]...)
					if writeErr := conn.WriteMessage(websocket.BinaryMessage, frame); writeErr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		<-done
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
