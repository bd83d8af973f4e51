// Package mailbox keeps one authenticated IMAP session to a mailbox alive and
// exposes list, read, flag, delete, attachment and statistics operations on
// it. Messages are addressed by UID only.
package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/admin-mailbox/internal/logging"
)

// Service is the mailbox engine. It is safe for concurrent use; commands on
// the shared session run one at a time.
type Service struct {
	cfg  Config
	log  zerolog.Logger
	conn *connManager
	now  func() time.Time

	startOnce sync.Once
}

// New creates an engine for cfg. No connection is made until Start or the
// first operation.
func New(cfg Config, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:  cfg,
		log:  logging.WithComponent(log, "mailbox"),
		conn: newConnManager(cfg, log),
		now:  time.Now,
	}
}

// Start connects eagerly and starts the keepalive loop. A failed connect is
// returned but does not disable the engine: later operations retry.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.conn.startKeepalive(s.cfg.KeepaliveInterval)
	})
	ctx, cancel, te := s.conn.bound(ctx, "connect")
	defer cancel()
	if _, err := s.conn.ensureConnected(ctx); err != nil {
		return ctxError(ctx, te, err)
	}
	return nil
}

// Close logs out and releases the session. Operations after Close return
// ErrClosed.
func (s *Service) Close(ctx context.Context) error {
	return s.conn.shutdown(ctx)
}

// State reports the connection lifecycle state.
func (s *Service) State() State {
	return s.conn.State()
}

func (s *Service) folder(name string) string {
	if name == "" {
		return s.cfg.DefaultFolder
	}
	return name
}

// ListMessages returns one page of the messages matching f, newest first.
// Total counts every match, not only the page.
func (s *Service) ListMessages(ctx context.Context, f SearchFilter) (*ListResult, error) {
	folder := s.folder(f.Folder)
	offset, limit := pageBounds(f.Offset, f.Limit, s.cfg.MaxPageSize)

	var result *ListResult
	err := s.conn.run(ctx, "list", func(sess *session) error {
		status, err := folderStatus(sess, folder)
		if err != nil {
			return err
		}
		mb, err := selectFolder(sess, folder)
		if err != nil {
			return err
		}
		s.conn.noteValidity(folder, mb.UIDValidity)

		ids, err := s.resolve(sess, mb, f)
		if err != nil {
			return err
		}
		emails, err := fetchSummaries(sess, paginate(ids, offset, limit))
		if err != nil {
			return err
		}

		result = &ListResult{
			Emails:      emails,
			Total:       len(ids),
			Folder:      folder,
			UnreadCount: status.Unseen,
			UIDValidity: mb.UIDValidity,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folder, err)
	}
	return result, nil
}

// GetMessage returns a message with its bodies and attachment metadata.
// Viewing does not mark the message read.
func (s *Service) GetMessage(ctx context.Context, folder string, uid UID) (*MessageDetail, error) {
	folder = s.folder(folder)

	var detail *MessageDetail
	err := s.conn.run(ctx, "get", func(sess *session) error {
		mb, err := selectFolder(sess, folder)
		if err != nil {
			return err
		}
		s.conn.noteValidity(folder, mb.UIDValidity)

		detail, err = fetchDetail(sess, uid, s.cfg.BodyPreviewLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting message %s in %s: %w", uid, folder, err)
	}
	return detail, nil
}

// SetRead sets or clears \Seen. Re-applying the current state succeeds.
func (s *Service) SetRead(ctx context.Context, folder string, uid UID, read bool) error {
	folder = s.folder(folder)

	err := s.conn.run(ctx, "set_read", func(sess *session) error {
		if _, err := selectFolder(sess, folder); err != nil {
			return err
		}
		return setRead(sess, uid, read)
	})
	if err != nil {
		return fmt.Errorf("marking message %s in %s: %w", uid, folder, err)
	}
	s.log.Info().Str("folder", folder).Stringer("uid", uid).Bool("read", read).Msg("message flag updated")
	return nil
}

// DeleteMessage permanently removes a message.
func (s *Service) DeleteMessage(ctx context.Context, folder string, uid UID) error {
	folder = s.folder(folder)

	err := s.conn.run(ctx, "delete", func(sess *session) error {
		if _, err := selectFolder(sess, folder); err != nil {
			return err
		}
		return deleteMessage(sess, uid)
	})
	if err != nil {
		return fmt.Errorf("deleting message %s in %s: %w", uid, folder, err)
	}
	s.log.Info().Str("folder", folder).Stringer("uid", uid).Msg("message deleted")
	return nil
}

// GetAttachment returns the decoded content of the named attachment.
func (s *Service) GetAttachment(ctx context.Context, folder string, uid UID, filename string) (*AttachmentData, error) {
	folder = s.folder(folder)

	var data *AttachmentData
	err := s.conn.run(ctx, "attachment", func(sess *session) error {
		if _, err := selectFolder(sess, folder); err != nil {
			return err
		}
		var err error
		data, err = fetchAttachment(sess, uid, filename)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %q from message %s: %w", filename, uid, err)
	}
	return data, nil
}

// GetStats returns the dashboard counters for folder.
func (s *Service) GetStats(ctx context.Context, folder string) (*Stats, error) {
	folder = s.folder(folder)

	var st *Stats
	err := s.conn.run(ctx, "stats", func(sess *session) error {
		var err error
		st, err = s.stats(sess, folder, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("computing stats for %s: %w", folder, err)
	}
	return st, nil
}

// GetMailbox reports the folder counters and epoch without selecting it. It
// doubles as a connection check.
func (s *Service) GetMailbox(ctx context.Context, folder string) (*Mailbox, error) {
	folder = s.folder(folder)

	var mb *Mailbox
	err := s.conn.run(ctx, "status", func(sess *session) error {
		var err error
		mb, err = folderStatus(sess, folder)
		if err == nil {
			s.conn.noteValidity(folder, mb.UIDValidity)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", folder, err)
	}
	return mb, nil
}
