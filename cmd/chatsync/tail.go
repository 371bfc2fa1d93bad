package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"chatsync/internal/model"
	"github.com/spf13/cobra"
)

func (a *app) tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail [conversation-id]",
		Short: "Stream live events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			var conversationID string
			if len(args) == 1 {
				conversationID = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _ := a.client.Principal()
			out := cmd.OutOrStdout()
			unsubscribe := a.client.Subscribe(conversationID, func(ev model.Event) {
				switch ev.Kind {
				case model.EventMessageNew:
					var m model.Message
					if json.Unmarshal(ev.Payload, &m) == nil {
						printMessage(out, p.ID, m)
					}
				case model.EventPresenceOnline, model.EventPresenceOffline:
					var pr model.Presence
					if json.Unmarshal(ev.Payload, &pr) == nil {
						fmt.Fprintf(out, "* %s %s\n", pr.UserID, ev.Kind)
					}
				default:
					fmt.Fprintf(out, "* %s %s\n", ev.Kind, ev.Payload)
				}
			})
			defer unsubscribe()

			expired := make(chan error, 1)
			a.client.OnSessionExpired(func(reason error) {
				select {
				case expired <- reason:
				default:
				}
			})

			if conversationID != "" {
				if _, err := a.client.Open(ctx, conversationID); err != nil {
					return err
				}
			}
			if err := a.client.Start(ctx); err != nil {
				return err
			}
			defer a.client.Stop()

			select {
			case <-ctx.Done():
				return nil
			case reason := <-expired:
				return fmt.Errorf("session ended: %w", reason)
			}
		},
	}
}
