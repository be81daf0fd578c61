package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesPage int
	messagesJSON bool

	// send
	sendJSON bool

	// notifications
	notificationsAll     bool
	notificationsJSON    bool
	notificationsMarkAll bool
)

const requestTimeout = 15 * time.Second

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

func formatConversation(c taskmarket.Conversation) string {
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, p.Username)
	}
	last := ""
	if c.LastMessage != nil {
		last = truncate(c.LastMessage.Content, 40)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	return fmt.Sprintf("%-6s %-24s %-12s %s%s", c.ID, truncate(strings.Join(names, ", "), 24), ago(c.UpdatedAt), last, unread)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show one page of a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		page, err := client.Messages.List(ctx, taskmarket.ID(args[0]), messagesPage)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(page)
		}
		// Pages arrive newest first.
		for i := len(page.Results) - 1; i >= 0; i-- {
			fmt.Println(formatMessage(page.Results[i]))
		}
		if page.HasNext() {
			fmt.Printf("-- older messages: --page %d\n", messagesPage+1)
		}
		return nil
	},
}

func formatMessage(m taskmarket.Message) string {
	if m.IsSystem {
		return fmt.Sprintf("[%s] * %s", ago(m.CreatedAt), m.Content)
	}
	status := ""
	switch {
	case m.Pending:
		status = " (sending)"
	case m.Status == taskmarket.StatusRead:
		status = " ✓✓"
	}
	return fmt.Sprintf("[%s] %s: %s%s", ago(m.CreatedAt), valueOrDefault(m.Sender.Username, string(m.Sender.ID)), m.Content, status)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message over HTTP",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")
		if strings.TrimSpace(content) == "" {
			return taskmarket.ErrEmptyMessage
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		msg, err := client.Messages.Send(ctx, taskmarket.ID(args[0]), content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, taskmarket.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked read\n", args[0])
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if notificationsMarkAll {
			if err := client.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked read")
			return nil
		}

		items, err := client.Notifications.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !notificationsAll {
			unread := items[:0]
			for _, n := range items {
				if !n.IsRead {
					unread = append(unread, n)
				}
			}
			items = unread
		}
		if notificationsJSON {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range items {
			fmt.Println(formatNotification(n))
		}
		return nil
	},
}

func formatNotification(n taskmarket.Notification) string {
	mark := "•"
	if n.IsRead {
		mark = " "
	}
	return fmt.Sprintf("%s %-12s %s: %s", mark, ago(n.CreatedAt), n.Title, n.Message)
}

func init() {
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, readCmd, notificationsCmd)

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesPage, "page", "p", 1, "History page, 1 is the newest")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	notificationsCmd.Flags().BoolVar(&notificationsAll, "all", false, "Include read notifications")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsCmd.Flags().BoolVar(&notificationsMarkAll, "mark-all-read", false, "Mark every notification read")
}
