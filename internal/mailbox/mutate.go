package mailbox

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// setRead adds or removes \Seen on id. The change counts only once the
// server's flags confirm it.
func setRead(sess *session, id UID, read bool) error {
	uidSet := imap.UIDSetNum(imap.UID(id))

	op := imap.StoreFlagsAdd
	if !read {
		op = imap.StoreFlagsDel
	}

	msgs, err := sess.client.Store(uidSet, &imap.StoreFlags{
		Op:    op,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil).Collect()
	if err != nil {
		return opError("store", err)
	}
	if buf := findBuffer(msgs, id); buf != nil && hasFlag(buf.Flags, imap.FlagSeen) == read {
		return nil
	}

	// Nothing usable came back: read the flags to decide.
	flags, err := fetchFlags(sess, id)
	if err != nil {
		return err
	}
	if hasFlag(flags, imap.FlagSeen) != read {
		return &OperationError{
			Op:  "store",
			Err: fmt.Errorf("message %s: \\Seen not updated", id),
		}
	}
	return nil
}

// deleteMessage flags id \Deleted and expunges it. UID EXPUNGE limits the
// expunge to id when the server supports it.
func deleteMessage(sess *session, id UID) error {
	if _, err := fetchFlags(sess, id); err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(imap.UID(id))
	err := sess.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return opError("store", err)
	}

	if sess.uidPlus {
		err = sess.client.UIDExpunge(uidSet).Close()
	} else {
		err = sess.client.Expunge().Close()
	}
	if err != nil {
		return opError("expunge", err)
	}
	return nil
}

// fetchFlags returns the flags of id, or ErrNotFound when it does not exist.
func fetchFlags(sess *session, id UID) ([]imap.Flag, error) {
	msgs, err := sess.client.Fetch(imap.UIDSetNum(imap.UID(id)), &imap.FetchOptions{
		UID:   true,
		Flags: true,
	}).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}
	buf := findBuffer(msgs, id)
	if buf == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return buf.Flags, nil
}
