package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"medchat/internal/redis"
	"medchat/internal/session"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow a running session through redis",
		Long: `Shows the conversation of another medchat process as it changes.
Requires redis.enabled in the config of both processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Redis.Enabled {
				return errors.New("watch requires redis.enabled")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client, err := redis.NewRedisClient(ctx, opts.cfg.Redis)
			if err != nil {
				return fmt.Errorf("create redis client: %w", err)
			}
			defer client.Close()

			notifier := session.NewRedisNotifier(client, opts.logger)
			states := make(chan session.State, 1)
			if st, ok, err := notifier.Latest(ctx); err != nil {
				return err
			} else if ok {
				states <- st
			}

			listenErr := make(chan error, 1)
			go func() {
				defer close(states)
				listenErr <- notifier.Listen(ctx, func(st session.State) {
					offerLatest(states, st)
				})
			}()

			err = runProgram(ctx, newChatModel(ctx, nil, states), cmd.InOrStdin(), cmd.OutOrStdout())
			stop()
			if lerr := <-listenErr; err == nil && lerr != nil && !errors.Is(lerr, ctx.Err()) {
				err = lerr
			}
			return err
		},
	}
}

// offerLatest replaces any unread state so a slow screen only sees the newest.
func offerLatest(states chan session.State, st session.State) {
	select {
	case <-states:
	default:
	}
	select {
	case states <- st:
	default:
	}
}
