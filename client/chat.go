package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/session"
)

var conversationID, dmUser string

const chatHelp = `/typing            tell the others you are typing
/read              mark the conversation read
/react N EMOJI     react to message N (👍 ❤️ 😂 😮 😢 🔥)
/unreact N         withdraw your reaction to message N
/unsend N          delete your message N
/retry N           resend failed message N
/ephemeral SECS T  send T that disappears after SECS seconds
/upload PATH       send a file
/notifications     list unread notifications
/readall           mark every notification read
/quit              leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a conversation and chat in it.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		conn, cfg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		target := conversationID
		if dmUser != "" {
			target = model.DirectID(cfg.User, dmUser)
		}
		if target == "" {
			return errors.New("pass --conversation or --dm")
		}

		updates := make(chan string, 64)
		s, err := conn.session(ctx, cfg.DisplayName, func(id string) {
			select {
			case updates <- id:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer s.Close()

		view, err := s.Open(ctx, target)
		if err != nil {
			return err
		}
		defer view.Close()

		out := newRenderer(cmd.OutOrStdout(), s.Self())
		fmt.Fprintf(cmd.OutOrStdout(), "Joined %s. /help lists commands.\n", target)
		out.render(view, s.Badge().Total())

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			out.prompt()
			select {
			case <-ctx.Done():
				return nil
			case <-conn.feed.Done():
				return errors.New("connection to gateway lost")
			case <-updates:
				out.render(view, s.Badge().Total())
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := run(ctx, s, view, out, parseCommand(line))
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\r! %v\n", err)
				}
				if quit {
					return nil
				}
				out.render(view, s.Badge().Total())
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to open.")
	chatCmd.Flags().StringVar(&dmUser, "dm", "", "User id to message directly (overrides --conversation).")
}

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a slash command into its name and arguments. Other
// lines are plain messages.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	fields := strings.Fields(line)
	c := command{name: strings.TrimPrefix(fields[0], "/"), args: fields[1:]}
	if c.name == "ephemeral" && len(fields) > 2 {
		c.text = strings.Join(fields[2:], " ")
	}
	return c
}

// run executes c against the open view. It reports whether to quit.
func run(ctx context.Context, s *session.Session, view *session.View, out *renderer, c command) (bool, error) {
	switch c.name {
	case "":
		if c.text == "" {
			return false, nil
		}
		_, err := view.Send(ctx, c.text)
		return false, err
	case "quit":
		return true, nil
	case "help":
		fmt.Fprintln(out.w, chatHelp)
	case "typing":
		view.Keystroke()
	case "read":
		return false, view.MarkRead(ctx)
	case "react", "unreact", "unsend", "retry":
		if len(c.args) < 1 || (c.name == "react" && len(c.args) < 2) {
			return false, errors.Errorf("missing arguments for /%s, see /help", c.name)
		}
		id, err := out.lookup(c.args[0])
		if err != nil {
			return false, err
		}
		switch c.name {
		case "react":
			return false, s.React(ctx, view.ConversationID(), id, c.args[1])
		case "unreact":
			return false, s.Unreact(ctx, view.ConversationID(), id)
		case "unsend":
			return false, s.Unsend(ctx, view.ConversationID(), id)
		default:
			return false, s.Retry(ctx, id)
		}
	case "ephemeral":
		if len(c.args) < 2 {
			return false, errors.New("usage: /ephemeral SECS TEXT")
		}
		secs, err := strconv.Atoi(c.args[0])
		if err != nil || secs <= 0 {
			return false, errors.Errorf("invalid lifetime %q", c.args[0])
		}
		_, err = view.SendEphemeral(ctx, c.text, time.Duration(secs)*time.Second)
		return false, err
	case "upload":
		if len(c.args) != 1 {
			return false, errors.New("usage: /upload PATH")
		}
		f, err := os.Open(c.args[0])
		if err != nil {
			return false, err
		}
		defer f.Close()
		a, err := s.Upload(ctx, filepath.Base(c.args[0]), f)
		if err != nil {
			return false, err
		}
		_, err = view.Send(ctx, "", a)
		return false, err
	case "notifications":
		unread := s.Badge().Unread()
		if len(unread) == 0 {
			fmt.Fprintln(out.w, "\rNo unread notifications.")
		}
		for _, n := range unread {
			fmt.Fprintf(out.w, "\r[%s] %s: %s\n", n.Kind, n.Title, n.Body)
		}
	case "readall":
		return false, s.MarkAllNotificationsRead(ctx)
	default:
		return false, errors.Errorf("unknown command /%s", c.name)
	}
	return false, nil
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations with their unread counts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, cfg, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		s, err := conn.session(cmd.Context(), cfg.DisplayName, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		w := cmd.OutOrStdout()
		for _, c := range s.Store().Conversations() {
			fmt.Fprintln(w, inboxLine(c))
		}
		fmt.Fprintf(w, "%d unread\n", s.Badge().Total())
		jww.DEBUG.Printf("Listed inbox for %s", s.Self())
		return nil
	},
}

func inboxLine(c model.Conversation) string {
	title := c.Name
	if c.Kind == model.KindDirect {
		title = c.ParticipantName
		if title == "" {
			title = c.ParticipantID
		}
		if c.Online {
			title += " (online)"
		}
	}
	if title == "" {
		title = c.ID
	}
	line := fmt.Sprintf("%-30s %s", title, c.Preview.Text)
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d]", c.UnreadCount)
	}
	return line
}
