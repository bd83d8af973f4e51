package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/admin-mailbox/internal/credential"
	"github.com/nhle/admin-mailbox/internal/model"
)

var loginSave bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the IMAP password in the system keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		imapCfg := appCfg.IMAP
		port := strconv.Itoa(imapCfg.Port)
		var password string

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("IMAP Host").
					Placeholder("imap.example.com").
					Value(&imapCfg.Host).
					Validate(validateRequired("Host")),
				huh.NewInput().
					Title("Port").
					Value(&port).
					Validate(validatePort),
				huh.NewSelect[string]().
					Title("Security").
					Options(
						huh.NewOption("Implicit TLS (usually port 993)", "tls"),
						huh.NewOption("STARTTLS (usually port 143)", "starttls"),
						huh.NewOption("None (local testing only)", "none"),
					).
					Value(&imapCfg.Security),
				huh.NewInput().
					Title("Username").
					Value(&imapCfg.Username).
					Validate(validateRequired("Username")),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password).
					Validate(validateRequired("Password")),
			),
		)
		if err := form.RunWithContext(cmd.Context()); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		imapCfg.Port, _ = strconv.Atoi(port)

		store, err := credential.Open()
		if err != nil {
			return err
		}
		if err := store.SetPassword(imapCfg.Username, password); err != nil {
			return err
		}

		appCfg.IMAP = imapCfg
		if loginSave {
			path := configPath
			if path == "" {
				path = model.DefaultConfigPath()
			}
			if err := model.SaveConfig(path, appCfg); err != nil {
				return err
			}
		}
		successMsg(cmd, "Stored password for %s", imapCfg.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored IMAP password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if appCfg.IMAP.Username == "" {
			return errors.New("imap.username is not configured")
		}
		store, err := credential.Open()
		if err != nil {
			return err
		}
		err = store.DeletePassword(appCfg.IMAP.Username)
		if errors.Is(err, credential.ErrNotFound) {
			successMsg(cmd, "No stored password for %s", appCfg.IMAP.Username)
			return nil
		}
		if err != nil {
			return err
		}
		successMsg(cmd, "Removed password for %s", appCfg.IMAP.Username)
		return nil
	},
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func init() {
	loginCmd.Flags().BoolVar(&loginSave, "save", true, "Write host, port, security and username to the config file")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
