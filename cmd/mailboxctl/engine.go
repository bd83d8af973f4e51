package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/admin-mailbox/internal/credential"
	"github.com/nhle/admin-mailbox/internal/mailbox"
	"github.com/nhle/admin-mailbox/internal/model"
)

// passwordSource resolves the IMAP password for an account.
type passwordSource interface {
	ResolvePassword(username, configured string) (string, error)
}

// engineConfig maps the application configuration onto the engine's.
func engineConfig(cfg *model.AppConfig, password string) mailbox.Config {
	return mailbox.Config{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Security:           mailbox.Security(cfg.IMAP.Security),
		Username:           cfg.IMAP.Username,
		Password:           password,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		DefaultFolder:      cfg.IMAP.DefaultFolder,
		OperationTimeout:   cfg.Engine.OperationTimeout,
		IOTimeout:          cfg.Engine.IOTimeout,
		DialTimeout:        cfg.Engine.DialTimeout,
		KeepaliveInterval:  cfg.Engine.KeepaliveInterval,
		Backoff: mailbox.BackoffConfig{
			InitialInterval: cfg.Engine.Backoff.InitialInterval,
			MaxInterval:     cfg.Engine.Backoff.MaxInterval,
			Multiplier:      cfg.Engine.Backoff.Multiplier,
			MaxRetries:      cfg.Engine.Backoff.MaxRetries,
		},
		StatsSampleSize:  cfg.Engine.StatsSampleSize,
		BodyPreviewLimit: cfg.Engine.BodyPreviewLimit,
		MaxPageSize:      cfg.Engine.MaxPageSize,
	}
}

func resolveEngineConfig(cfg *model.AppConfig, creds passwordSource) (mailbox.Config, error) {
	if err := cfg.Validate(); err != nil {
		return mailbox.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	password, err := creds.ResolvePassword(cfg.IMAP.Username, cfg.IMAP.Password)
	if errors.Is(err, credential.ErrNotFound) {
		return mailbox.Config{}, fmt.Errorf("no password for %s: run 'mailboxctl login' or set %s_IMAP_PASSWORD",
			cfg.IMAP.Username, model.EnvPrefix)
	}
	if err != nil {
		return mailbox.Config{}, err
	}
	return engineConfig(cfg, password), nil
}

// openEngine builds an engine from the loaded configuration. The caller
// closes it with closeEngine.
func openEngine() (*mailbox.Service, error) {
	var creds passwordSource = configuredPassword{}
	if appCfg.IMAP.Password == "" {
		store, err := credential.Open()
		if err != nil {
			return nil, err
		}
		creds = store
	}

	cfg, err := resolveEngineConfig(appCfg, creds)
	if err != nil {
		return nil, err
	}
	return mailbox.New(cfg, logger), nil
}

func closeEngine(svc *mailbox.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Debug().Err(err).Msg("closing mailbox engine")
	}
}

// configuredPassword serves a password already present in the config or
// environment without touching the keyring.
type configuredPassword struct{}

func (configuredPassword) ResolvePassword(username, configured string) (string, error) {
	if configured == "" {
		return "", credential.ErrNotFound
	}
	return configured, nil
}
