package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/admin-mailbox/internal/mailbox"
	"github.com/nhle/admin-mailbox/internal/theme"
)

var (
	folderFlag string

	listUnread bool
	listSearch string
	listLimit  int
	listOffset int

	showHTML bool

	markUnread bool

	attachmentOut string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		res, err := svc.ListMessages(cmd.Context(), mailbox.SearchFilter{
			Folder:     folderFlag,
			UnreadOnly: listUnread,
			FreeText:   listSearch,
			Limit:      listLimit,
			Offset:     listOffset,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n\n",
			theme.HeaderStyle.Render(res.Folder),
			theme.Muted.Render(fmt.Sprintf("%d matching, %d unread", res.Total, res.UnreadCount)))

		if len(res.Emails) == 0 {
			fmt.Fprintln(out, theme.Muted.Render("  (no messages)"))
			return nil
		}

		now := time.Now()
		for _, m := range res.Emails {
			from := ""
			if m.From != nil {
				from = m.From.Name
				if from == "" {
					from = m.From.Email
				}
			}
			subject := theme.Truncate(m.Subject, 60)
			if m.Unread {
				subject = theme.UnreadStyle.Render(subject)
			}
			clip := " "
			if m.HasAttachments {
				clip = "@"
			}
			fmt.Fprintf(out, "%s %6d  %-24s %s %s  %s\n",
				theme.MarkerStyle(m.Unread, m.Important),
				m.UID,
				theme.Truncate(from, 24),
				clip,
				subject,
				theme.Muted.Render(theme.TimeAgo(m.Date, now)))
		}

		if shown := listOffset + len(res.Emails); shown < res.Total {
			fmt.Fprintf(out, "\n%s\n", theme.Muted.Render(
				fmt.Sprintf("  %d more, use --offset %d", res.Total-shown, shown)))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show UID",
	Short: "Display one message with its body and attachments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := mailbox.ParseUID(args[0])
		if err != nil {
			return err
		}

		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		msg, err := svc.GetMessage(cmd.Context(), folderFlag, uid)
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), msg)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, theme.Bold.Render(msg.Subject))
		if msg.From != nil {
			fmt.Fprintf(out, "From:    %s\n", msg.From)
		}
		if len(msg.To) > 0 {
			fmt.Fprintf(out, "To:      %s\n", joinAddresses(msg.To))
		}
		if len(msg.Cc) > 0 {
			fmt.Fprintf(out, "Cc:      %s\n", joinAddresses(msg.Cc))
		}
		if !msg.Date.IsZero() {
			fmt.Fprintf(out, "Date:    %s\n", msg.Date.Local().Format(time.RFC1123))
		}
		fmt.Fprintf(out, "UID:     %d  %s\n", msg.UID, theme.Muted.Render(strings.Join(msg.Flags, " ")))

		body := msg.TextBody
		if showHTML && msg.HTMLBody != "" {
			body = msg.HTMLBody
		}
		if body != "" {
			fmt.Fprintln(out, theme.PanelStyle.Render(body))
		}

		if len(msg.Attachments) > 0 {
			fmt.Fprintln(out, theme.Bold.Render("Attachments"))
			for _, a := range msg.Attachments {
				fmt.Fprintf(out, "  %s  %s  %s\n", a.Filename,
					theme.Muted.Render(a.ContentType), theme.Size(a.Size))
			}
		}
		return nil
	},
}

var markCmd = &cobra.Command{
	Use:   "mark UID",
	Short: "Mark a message read (or unread with --unread)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := mailbox.ParseUID(args[0])
		if err != nil {
			return err
		}

		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		read := !markUnread
		if err := svc.SetRead(cmd.Context(), folderFlag, uid, read); err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"uid": uid, "isRead": read})
		}
		state := "read"
		if !read {
			state = "unread"
		}
		successMsg(cmd, "Marked %d as %s", uid, state)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete UID",
	Short: "Permanently delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := mailbox.ParseUID(args[0])
		if err != nil {
			return err
		}

		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		if err := svc.DeleteMessage(cmd.Context(), folderFlag, uid); err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"uid": uid, "deleted": true})
		}
		successMsg(cmd, "Deleted %d", uid)
		return nil
	},
}

var attachmentCmd = &cobra.Command{
	Use:   "attachment UID FILENAME",
	Short: "Download an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := mailbox.ParseUID(args[0])
		if err != nil {
			return err
		}

		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		att, err := svc.GetAttachment(cmd.Context(), folderFlag, uid, args[1])
		if err != nil {
			return err
		}

		if attachmentOut == "-" {
			_, err := cmd.OutOrStdout().Write(att.Data)
			return err
		}

		path := attachmentPath(attachmentOut, att.Filename, uid)
		if err := os.WriteFile(path, att.Data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"filename":    att.Filename,
				"contentType": att.ContentType,
				"size":        len(att.Data),
				"path":        path,
			})
		}
		successMsg(cmd, "Saved %s (%s) to %s", att.Filename, theme.Size(int64(len(att.Data))), path)
		return nil
	},
}

// attachmentPath picks where a downloaded attachment is written: out when
// given, else the attachment's own base name, else attachment-<uid>.
func attachmentPath(out, filename string, uid mailbox.UID) string {
	if out != "" {
		return out
	}
	base := filepath.Base(filepath.Clean("/" + filename))
	if base == "/" || base == "." || base == ".." {
		return fmt.Sprintf("attachment-%d", uid)
	}
	return base
}

func joinAddresses(addrs []mailbox.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func successMsg(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), theme.Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

func init() {
	for _, c := range []*cobra.Command{listCmd, showCmd, markCmd, deleteCmd, attachmentCmd} {
		c.Flags().StringVarP(&folderFlag, "folder", "f", "", "Folder (default: configured default folder)")
		rootCmd.AddCommand(c)
	}

	listCmd.Flags().BoolVarP(&listUnread, "unread", "u", false, "Only unread messages")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "Match subject, sender or body")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Skip this many matches")

	showCmd.Flags().BoolVar(&showHTML, "html", false, "Print the HTML body instead of plain text")

	markCmd.Flags().BoolVar(&markUnread, "unread", false, "Mark as unread instead")

	attachmentCmd.Flags().StringVarP(&attachmentOut, "output", "o", "", "Output path, - for stdout (default: the attachment's filename)")
}
