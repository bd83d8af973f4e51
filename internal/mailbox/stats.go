package mailbox

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// folderStatus reads the folder counters without selecting it.
func folderStatus(sess *session, folder string) (*Mailbox, error) {
	data, err := sess.client.Status(folder, &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
		UIDNext:     true,
		UIDValidity: true,
	}).Wait()
	if err != nil {
		if isNonExistent(err) {
			return nil, fmt.Errorf("folder %q: %w", folder, ErrNotFound)
		}
		return nil, opError("status", err)
	}

	mb := &Mailbox{
		Name:        folder,
		UIDNext:     UID(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}
	if data.NumMessages != nil {
		mb.Messages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		mb.Unseen = *data.NumUnseen
	}
	return mb, nil
}

// selectFolder opens folder read-write and reports its state.
func selectFolder(sess *session, folder string) (*Mailbox, error) {
	data, err := sess.client.Select(folder, nil).Wait()
	if err != nil {
		if isNonExistent(err) {
			return nil, fmt.Errorf("folder %q: %w", folder, ErrNotFound)
		}
		return nil, opError("select", err)
	}
	return &Mailbox{
		Name:        folder,
		Messages:    data.NumMessages,
		UIDNext:     UID(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

// stats computes the dashboard counters. Totals come from STATUS; the date
// and attachment counters cover the newest sampleSize messages.
func (s *Service) stats(sess *session, folder string, now time.Time) (*Stats, error) {
	status, err := folderStatus(sess, folder)
	if err != nil {
		return nil, err
	}
	mb, err := selectFolder(sess, folder)
	if err != nil {
		return nil, err
	}
	s.conn.noteValidity(folder, mb.UIDValidity)

	st := &Stats{
		Folder:      folder,
		Total:       status.Messages,
		Unread:      status.Unseen,
		UIDValidity: mb.UIDValidity,
	}

	ids, err := s.resolve(sess, mb, SearchFilter{})
	if err != nil {
		return nil, err
	}
	sample := paginate(ids, 0, s.cfg.StatsSampleSize)
	if len(sample) == 0 {
		return st, nil
	}

	msgs, err := sess.client.Fetch(imap.UIDSetNum(toIMAPUIDs(sample)...), &imap.FetchOptions{
		UID:           true,
		Envelope:      true,
		InternalDate:  true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := today.AddDate(0, 0, -7)

	for _, buf := range msgs {
		st.Sampled++
		if len(attachmentParts(buf.BodyStructure)) > 0 {
			st.WithAttachments++
		}
		date := buf.InternalDate
		if buf.Envelope != nil && !buf.Envelope.Date.IsZero() {
			date = buf.Envelope.Date
		}
		if !date.Before(today) {
			st.Today++
		}
		if !date.Before(weekAgo) {
			st.LastWeek++
		}
	}
	return st, nil
}
