package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/skyporthq/skyport/internal/shell"
)

func newShellCmd(root *rootOptions) *cobra.Command {
	var debugLog string
	cmd := &cobra.Command{
		Use:   "shell [app]",
		Short: "Open an interactive shell in an app container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := resolveApp(root, args)
			if err != nil {
				return err
			}
			if root.conn.Token == "" {
				return fmt.Errorf("shell: an API token is required (set it on the context or SKYPORT_TOKEN)")
			}

			logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
			if debugLog != "" {
				f, err := os.OpenFile(debugLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}

			if term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Printf("connecting to %s (type exit to quit)\n", appID)
			}

			// SIGINT is handled inside the client (it belongs to the
			// remote process while a command runs); SIGTERM tears the
			// whole session down.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			c := shell.New(shell.Options{
				APIURL: root.conn.APIURL,
				AppID:  appID,
				Token:  root.conn.Token,
				Logger: logger,
			})
			err = c.Run(ctx)
			switch {
			case errors.Is(err, shell.ErrConnectTimeout):
				return fmt.Errorf("%w; the container may still be provisioning, try 'skyport apps status %s'", err, appID)
			case errors.Is(err, shell.ErrUnauthorized):
				return fmt.Errorf("%w; the token is invalid or expired, update the context token", err)
			case errors.Is(err, shell.ErrForbidden):
				return fmt.Errorf("%w; this token cannot access app %s", err, appID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&debugLog, "debug-log", "", "append shell protocol debug logs to this file")
	return cmd
}
