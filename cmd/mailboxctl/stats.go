package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/admin-mailbox/internal/mailbox"
	"github.com/nhle/admin-mailbox/internal/theme"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show folder statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		st, err := svc.GetStats(cmd.Context(), folderFlag)
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, theme.HeaderStyle.Render(st.Folder+" statistics"))
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Total             %5d\n", st.Total)
		fmt.Fprintf(out, "  Unread            %5d\n", st.Unread)
		fmt.Fprintf(out, "  Received today    %5d\n", st.Today)
		fmt.Fprintf(out, "  Last 7 days       %5d\n", st.LastWeek)
		fmt.Fprintf(out, "  With attachments  %5d\n", st.WithAttachments)
		if st.Sampled > 0 && uint32(st.Sampled) < st.Total {
			fmt.Fprintln(out)
			fmt.Fprintln(out, theme.Muted.Render(
				fmt.Sprintf("  Date and attachment counts cover the newest %d messages.", st.Sampled)))
		}
		return nil
	},
}

type statusOutput struct {
	Host     string           `json:"host"`
	Username string           `json:"username"`
	Security string           `json:"security"`
	State    mailbox.State    `json:"state"`
	Mailbox  *mailbox.Mailbox `json:"mailbox,omitempty"`
	Error    string           `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the server and report the session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine(svc)

		startErr := svc.Start(cmd.Context())
		var mb *mailbox.Mailbox
		if startErr == nil {
			mb, startErr = svc.GetMailbox(cmd.Context(), folderFlag)
		}
		out := statusOutput{
			Host:     fmt.Sprintf("%s:%d", appCfg.IMAP.Host, appCfg.IMAP.Port),
			Username: appCfg.IMAP.Username,
			Security: appCfg.IMAP.Security,
			State:    svc.State(),
			Mailbox:  mb,
		}
		if startErr != nil {
			out.Error = startErr.Error()
		}

		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return startErr
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Server:   %s (%s)\n", out.Host, out.Security)
		fmt.Fprintf(w, "Account:  %s\n", out.Username)
		fmt.Fprintf(w, "State:    %s\n", theme.StateStyle(out.State.String()).Render(out.State.String()))
		if mb != nil {
			fmt.Fprintf(w, "Folder:   %s  %d messages, %d unread  %s\n", mb.Name, mb.Messages, mb.Unseen,
				theme.Muted.Render(fmt.Sprintf("uidvalidity %d", mb.UIDValidity)))
		}
		return startErr
	},
}

func init() {
	for _, c := range []*cobra.Command{statsCmd, statusCmd} {
		c.Flags().StringVarP(&folderFlag, "folder", "f", "", "Folder (default: configured default folder)")
	}
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
}
