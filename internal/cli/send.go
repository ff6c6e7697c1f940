package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medchat/internal/models"
)

func newSendCommand(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			text := strings.Join(args, " ")
			if !app.Session.SendText(text) {
				return fmt.Errorf("nothing to send")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := app.Session.Drain(ctx); err != nil {
				return fmt.Errorf("waiting for reply: %w", err)
			}
			for _, msg := range app.Session.Messages() {
				if msg.Sender == models.RoleAssistant {
					fmt.Fprintln(cmd.OutOrStdout(), msg.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the reply")
	return cmd
}
