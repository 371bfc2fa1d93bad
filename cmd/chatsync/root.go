package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/config"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"github.com/spf13/cobra"
)

// app is shared by all subcommands; it is filled in by the root's
// PersistentPreRunE.
type app struct {
	envFile string
	cfg     config.ClientConfig
	client  *client.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Command-line client for marketplace conversations",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		a.loginCmd(),
		a.logoutCmd(),
		a.conversationsCmd(),
		a.startCmd(),
		a.historyCmd(),
		a.sendCmd(),
		a.deleteCmd(),
		a.readCmd(),
		a.tailCmd(),
	)
	return root
}

func (a *app) init() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if cfg.CredentialFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("no CHATSYNC_CREDENTIAL_FILE and no config dir: %w", err)
		}
		cfg.CredentialFile = filepath.Join(dir, "chatsync", "credential.json")
	}
	a.cfg = cfg

	a.client, err = client.New(client.Options{Config: cfg, Logger: logger.New(cfg.LogLevel, "stderr")})
	return err
}

// restore resumes the saved session or explains how to get one.
func (a *app) restore() error {
	ok, err := a.client.Restore()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not logged in; run `chatsync login` first")
	}
	return nil
}

func (a *app) loginCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := model.Principal{ID: userID, Role: model.Role(role)}
			if p.ID == "" || !p.Role.Valid() {
				return errors.New("--user and a --role of student, tutor or admin are required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
			defer cancel()
			if err := a.client.Login(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", p.ID, p.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", string(model.RoleStudent), "role: student, tutor or admin")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.client.Restore(); err != nil {
				return err
			}
			a.client.SignOut()
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func (a *app) conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			convs, err := a.client.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range convs {
				printConversation(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <counterpart-id>",
		Short: "Open or create the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			c, err := a.client.StartConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printConversation(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			msgs, err := a.client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p, _ := a.client.Principal()
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), p.ID, m)
			}
			return nil
		},
	}
}

func (a *app) sendCmd() *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			m, err := a.client.Send(cmd.Context(), args[0], strings.Join(args[1:], " "), image)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "attachment URL")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id> <message-id>...",
		Short: "Delete your messages for both sides",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			if err := a.client.Delete(cmd.Context(), args[0], args[1:]...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d message(s)\n", len(args)-1)
			return nil
		},
	}
}

func (a *app) readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.restore(); err != nil {
				return err
			}
			return a.client.MarkRead(cmd.Context(), args[0])
		},
	}
}

func printConversation(w io.Writer, c model.Conversation) {
	at := "-"
	if !c.LastMessageAt.IsZero() {
		at = c.LastMessageAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "%s  with %-12s  unread %-3d  %s  %s\n", c.ID, c.CounterpartID, c.UnreadCount, at, c.LastMessagePreview)
}

func printMessage(w io.Writer, self string, m model.Message) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	state := ""
	if m.State != model.Sent {
		state = " [" + m.State.String() + "]"
	} else if m.SenderID == self && m.IsRead {
		state = " [read]"
	}
	fmt.Fprintf(w, "%s  %-12s %s%s\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Preview(), state)
}
