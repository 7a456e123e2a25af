// Sofvo CLI - Command line client for Sofvo messaging
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sofvo/sofvo/clients/go/sofvo"
)

var client *sofvo.Client

var rootCmd = &cobra.Command{
	Use:   "sofvo",
	Short: "Sofvo messaging from the command line",
	Long: `Sofvo CLI talks to a Sofvo server: read and send direct and group
messages, follow a live conversation, and manage follows and blocks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = os.Getenv("SOFVO_URL")
		}
		client = sofvo.NewClient(baseURL)
	},
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String("url", "", "server URL (default $SOFVO_URL or "+sofvo.DefaultBaseURL+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log dropped stream frames")

	rootCmd.AddCommand(
		registerCmd, loginCmd, healthCmd,
		conversationsCmd, dmCmd, readCmd, sendCmd, chatCmd,
		followCmd, unfollowCmd, blockCmd, unblockCmd,
		notificationsCmd,
	)
	readCmd.Flags().Int("limit", 20, "number of messages")
	notificationsCmd.Flags().BoolP("follow", "f", false, "keep streaming new notifications")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		os.Exit(1)
	}
}

var registerCmd = &cobra.Command{
	Use:   "register <username> [display name]",
	Short: "Create a profile and log in",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		display := ""
		if len(args) > 1 {
			display = args[1]
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		resp, err := client.Register(cmd.Context(), args[0], display, password)
		if err != nil {
			return err
		}
		fmt.Printf("Registered as: %s (%s)\n", resp.Username, resp.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and save the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}
		resp, err := client.Login(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as: %s (%s)\n", resp.Username, resp.ID)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		convs, err := client.ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Printf("  %s  %-6s %s (active %s)\n", c.ID, c.Type, c.DisplayName, humanize.Time(c.UpdatedAt))
		}
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <profile-id>",
	Short: "Open the direct conversation with a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := client.CreateDirectConversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Conversation: %s (%s)\n", conv.ID, conv.DisplayName)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Print recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.GetMessages(cmd.Context(), args[0], limit, "")
		if err != nil {
			return err
		}
		for _, m := range resp.Messages {
			printMessage(m)
		}
		if resp.HasMore {
			fmt.Println("  (older messages not shown)")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := client.SendMessage(cmd.Context(), args[0], sofvo.SendMessageRequest{
			Content: strings.Join(args[1:], " "),
			Type:    sofvo.TypeText,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Sent: %s\n", msg.ID)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Follow a conversation live and send lines from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts := sofvo.ChatOptions{}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
			opts.Logger = &logger
		}

		var mu sync.Mutex
		printed := 0
		opts.OnChange = func(msgs []sofvo.Message) {
			mu.Lock()
			defer mu.Unlock()
			if len(msgs) < printed {
				printed = 0
			}
			for _, m := range msgs[printed:] {
				printMessage(m)
			}
			printed = len(msgs)
		}
		opts.OnNotification = func(n sofvo.Notification) {
			fmt.Printf("  * %s notification from %s\n", n.Kind, shortID(n.ActorID))
		}

		chat := sofvo.NewChat(client, opts)
		defer chat.Close()

		if err := chat.Open(ctx, args[0]); err != nil {
			return err
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if _, err := chat.Send(ctx, line, sofvo.TypeText, ""); err != nil {
					// The typed line is echoed back so it is not lost.
					fmt.Fprintf(os.Stderr, "not sent (%s): %s\n", describe(err), line)
				}
			}
		}
	},
}

func relationshipCmd(use, short string, fn func(*sofvo.Client, context.Context, string) (*sofvo.Relationship, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <profile-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := fn(client, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(rel)
			return nil
		},
	}
}

var (
	followCmd   = relationshipCmd("follow", "Follow a profile", (*sofvo.Client).Follow)
	unfollowCmd = relationshipCmd("unfollow", "Stop following a profile", (*sofvo.Client).Unfollow)
	blockCmd    = relationshipCmd("block", "Block a profile", (*sofvo.Client).Block)
	unblockCmd  = relationshipCmd("unblock", "Unblock a profile", (*sofvo.Client).Unblock)
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List unread notifications and mark them read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		list, err := client.ListNotifications(ctx, 50, true)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(list))
		for _, n := range list {
			printNotification(n)
			ids = append(ids, n.ID)
		}
		if len(ids) > 0 {
			if _, err := client.MarkNotificationsRead(ctx, ids); err != nil {
				return err
			}
		}

		follow, _ := cmd.Flags().GetBool("follow")
		if !follow {
			if len(ids) == 0 {
				fmt.Println("No unread notifications")
			}
			return nil
		}

		return client.Subscribe(ctx, "", "", func(ev *sofvo.Event) {
			if ev.Notification == nil {
				return
			}
			printNotification(*ev.Notification)
			if _, err := client.MarkNotificationsRead(ctx, []string{ev.Notification.ID}); err != nil && ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, "mark read:", describe(err))
			}
		})
	},
}

func printNotification(n sofvo.Notification) {
	fmt.Printf("  [%s] %s from %s\n", humanize.Time(n.CreatedAt), n.Kind, shortID(n.ActorID))
}

func readPassword() (string, error) {
	if pw := os.Getenv("SOFVO_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt needs a terminal (or set SOFVO_PASSWORD)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func printMessage(m sofvo.Message) {
	body := m.Content
	if m.Type != sofvo.TypeText && m.FileURL != "" {
		body = strings.TrimSpace(body + " [" + m.Type + ": " + m.FileURL + "]")
	}
	edited := ""
	if m.EditedAt != nil {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), shortID(m.SenderID), body, edited)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func describe(err error) string {
	var apiErr *sofvo.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case sofvo.CodeNotMutualFollow:
			return "you can only message people who follow you back"
		case sofvo.CodeBlocked:
			return "messaging is blocked between you and this person"
		case sofvo.CodeNotParticipant:
			return "you are not part of this conversation"
		}
		return apiErr.Message
	}
	return err.Error()
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
