// Package main provides mailboxctl, the operator CLI for the admin mailbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/admin-mailbox/internal/logging"
	"github.com/nhle/admin-mailbox/internal/model"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	jsonOutput bool

	appCfg *model.AppConfig
	logger = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:           "mailboxctl",
	Short:         "mailboxctl - Admin mailbox over IMAP",
	Long:          "Browse, flag and clean up the shared admin mailbox, or serve it over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version":
			return nil
		}

		path := configPath
		if path == "" {
			path = model.DefaultConfigPath()
		}
		cfg, err := model.LoadConfig(path)
		if err != nil {
			return err
		}
		appCfg = cfg
		logger = logging.New(cfg.Logging)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mailboxctl version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.config/mailboxctl/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(versionCmd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
