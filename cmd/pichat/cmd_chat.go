package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/pichat/internal/agent"
	"github.com/comigor/pichat/internal/conversation"
	"github.com/comigor/pichat/internal/session"
)

var (
	chatConversation string
	chatPersona      string
	chatAttachments  []string
	chatModel        string
	chatTemperature  float32
)

// chatCmd sends one message and streams the answer
var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and stream the answer",
	Long: `Send a message and print the answer as it streams.

Without --conversation a new conversation is created. Press Ctrl+C to stop
the answer; the text received so far is kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <conversation-id>",
	Short: "Discard the last answer and ask again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegenerate,
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <text>",
	Short: "Replace a user message, dropping everything after it, and ask again",
	Args:  cobra.ExactArgs(3),
	RunE:  runEdit,
}

var branchCmd = &cobra.Command{
	Use:   "branch <conversation-id> <message-id>",
	Short: "Copy a conversation up to a message into a new conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runBranch,
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runConversations,
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print every message of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var remindCmd = &cobra.Command{
	Use:   "remind <conversation-id> <message-id> <when> [text...]",
	Short: "Attach a reminder to a message",
	Long: `Attach a reminder to a message.

<when> is a duration from now (90m, 24h) or an RFC 3339 time. Without text the
message's reminder is removed.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runRemind,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "Conversation id to continue")
	chatCmd.Flags().StringVarP(&chatPersona, "persona", "p", "", "Persona for a new conversation")
	chatCmd.Flags().StringSliceVarP(&chatAttachments, "attach", "a", nil, "File to attach (repeatable)")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id (provider:model) for this and later turns")
	chatCmd.Flags().Float32Var(&chatTemperature, "temperature", 0, "Sampling temperature for this and later turns")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(remindCmd)
	rootCmd.AddCommand(deleteCmd)
}

func interruptContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext(cmd)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := conversation.ID(chatConversation)
	if id == "" {
		c, err := a.agent.NewConversation(chatPersona)
		if err != nil {
			return err
		}
		id = c.ID
	}

	var settings agent.Settings
	if chatModel != "" {
		settings.ModelID = &chatModel
	}
	if cmd.Flags().Changed("temperature") {
		settings.Temperature = &chatTemperature
	}
	if settings != (agent.Settings{}) {
		if _, err := a.agent.Configure(id, settings); err != nil {
			return err
		}
	}

	attachments := make([]conversation.Attachment, 0, len(chatAttachments))
	for _, p := range chatAttachments {
		attachments = append(attachments, conversation.Attachment{Path: p})
	}

	text := strings.Join(args, " ")
	return streamTurn(ctx, cmd.OutOrStdout(), a, id, func(ctx context.Context) (*session.Session, error) {
		return a.agent.Send(ctx, id, text, attachments...)
	})
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext(cmd)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := conversation.ID(args[0])
	return streamTurn(ctx, cmd.OutOrStdout(), a, id, func(ctx context.Context) (*session.Session, error) {
		return a.agent.History().Regenerate(ctx, id)
	})
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext(cmd)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := conversation.ID(args[0])
	return streamTurn(ctx, cmd.OutOrStdout(), a, id, func(ctx context.Context) (*session.Session, error) {
		return a.agent.History().EditAndResubmit(ctx, id, conversation.MessageID(args[1]), args[2])
	})
}

func runBranch(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.agent.History().Branch(conversation.ID(args[0]), conversation.MessageID(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.ID, c.Title)
	return nil
}

func runConversations(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, c := range a.store.List() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.Title, len(c.Messages), c.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.store.Get(conversation.ID(args[0]))
	if err != nil {
		return err
	}
	printConversation(cmd.OutOrStdout(), c)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	return a.agent.DeleteConversation(conversation.ID(args[0]))
}

func printConversation(out io.Writer, c conversation.Conversation) {
	fmt.Fprintf(out, "# %s (%s, persona %s)\n\n", c.Title, c.ModelID, c.PersonaID)
	for _, m := range c.Messages {
		pin := ""
		if m.ID == c.PinnedMessageID {
			pin = " [pinned]"
		}
		fmt.Fprintf(out, "[%s] %s%s\n", m.Role, m.ID, pin)
		if m.ReasoningText != "" {
			fmt.Fprintf(out, "  (reasoning) %s\n", m.ReasoningText)
		}
		for _, att := range m.Attachments {
			fmt.Fprintf(out, "  (attachment) %s\n", att.Path)
		}
		fmt.Fprintf(out, "%s\n", m.VisibleText)
		if r, ok := c.Reminders[m.ID]; ok {
			fmt.Fprintf(out, "  (reminder %s) %s\n", r.At.Local().Format(time.DateTime), r.Text)
		}
		fmt.Fprintln(out)
	}
}

// streamTurn starts a turn and prints the answer's visible text as the store
// receives it, until the session ends.
func streamTurn(ctx context.Context, out io.Writer, a *app, id conversation.ID, start func(context.Context) (*session.Session, error)) error {
	var (
		mu      sync.Mutex
		printed = map[conversation.MessageID]string{}
	)
	unsubscribe := a.store.Subscribe(func(ev conversation.Event) {
		if ev.Conversation.ID != id || len(ev.Conversation.Messages) == 0 {
			return
		}
		last := ev.Conversation.Messages[len(ev.Conversation.Messages)-1]
		if last.Role != conversation.RoleAssistant {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		prev := printed[last.ID]
		if rest, ok := strings.CutPrefix(last.VisibleText, prev); ok {
			fmt.Fprint(out, rest)
		} else {
			fmt.Fprint(out, "\n"+last.VisibleText)
		}
		printed[last.ID] = last.VisibleText
	})
	defer unsubscribe()

	s, err := start(ctx)
	if err != nil {
		return err
	}
	res := s.Wait()
	fmt.Fprintln(out)

	switch res.State {
	case session.StateAborted:
		fmt.Fprintln(os.Stderr, "[stopped]")
	case session.StateFailed:
		return res.Err
	}
	fmt.Fprintf(os.Stderr, "conversation %s\n", id)
	return nil
}

func runRemind(cmd *cobra.Command, args []string) error {
	at, err := parseWhen(args[2], time.Now())
	if err != nil {
		return err
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	text := strings.Join(args[3:], " ")
	id := conversation.ID(args[0])
	if err := a.agent.SetReminder(id, conversation.MessageID(args[1]), at, text); err != nil {
		return err
	}
	if text == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "reminder removed")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reminder set for %s\n", at.Local().Format(time.RFC1123))
	return nil
}

// parseWhen reads a duration from now or an RFC 3339 time.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want a duration or RFC 3339", s)
	}
	return t, nil
}
