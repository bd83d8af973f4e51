package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailboxctl"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes mailbox passwords in the system keyring.
type Store struct {
	ring keyring.Keyring
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailboxctl/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailboxctl-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Open returns a Store backed by the system keyring.
func Open() (*Store, error) {
	ring, err := openKeyring()
	if err != nil {
		return nil, err
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an existing keyring, e.g. keyring.NewArrayKeyring in tests.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// IMAPKey is the keyring item name for an IMAP account.
func IMAPKey(username string) string {
	return "imap:" + username
}

// Password retrieves the IMAP password stored for username.
func (s *Store) Password(username string) (string, error) {
	key := IMAPKey(username)
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// SetPassword stores the IMAP password for username.
func (s *Store) SetPassword(username, password string) error {
	key := IMAPKey(username)
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(password),
		Label: "mailboxctl IMAP password for " + username,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// DeletePassword removes the stored password for username.
func (s *Store) DeletePassword(username string) error {
	key := IMAPKey(username)
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// ResolvePassword returns configured when set, otherwise the password
// stored for username.
func (s *Store) ResolvePassword(username, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return s.Password(username)
}
