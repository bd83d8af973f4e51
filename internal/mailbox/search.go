package mailbox

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// translate builds the server-side criteria for f. Top-level criteria are
// ANDed, so UnreadOnly narrows the free-text OR group and never widens it.
func translate(f SearchFilter) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}

	if f.UnreadOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}

	if q := strings.TrimSpace(f.FreeText); q != "" {
		criteria.Or = [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: q}}},
			{Or: [][2]imap.SearchCriteria{{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: q}}},
				{Body: []string{q}},
			}}},
		}}
	}

	return criteria
}

// resolve returns the UIDs matching f, newest first. When the server
// rejects SEARCH the folder is enumerated with UID FETCH instead; that path
// can evaluate UnreadOnly but not free text.
func (s *Service) resolve(sess *session, mb *Mailbox, f SearchFilter) ([]UID, error) {
	data, err := sess.client.UIDSearch(translate(f), nil).Wait()
	if err == nil {
		return sortNewestFirst(toUIDs(data.AllUIDs())), nil
	}
	if !isServerResponse(err) {
		return nil, err
	}

	s.log.Warn().Err(err).Str("folder", mb.Name).Msg("server rejected SEARCH, enumerating folder")

	if strings.TrimSpace(f.FreeText) != "" {
		return nil, &OperationError{
			Op:  "search",
			Err: fmt.Errorf("free-text search unavailable on this server: %w", err),
		}
	}

	entries, enumErr := enumerate(sess, mb)
	if enumErr != nil {
		if !isServerResponse(enumErr) {
			return nil, enumErr
		}
		return nil, &OperationError{Op: "search", Err: enumErr}
	}

	ids := make([]UID, 0, len(entries))
	for _, e := range entries {
		if f.UnreadOnly && e.seen {
			continue
		}
		ids = append(ids, e.uid)
	}
	return sortNewestFirst(ids), nil
}

type uidEntry struct {
	uid  UID
	seen bool
}

// enumerate lists every UID in the selected folder with its \Seen state.
func enumerate(sess *session, mb *Mailbox) ([]uidEntry, error) {
	if mb.Messages == 0 {
		return nil, nil
	}

	all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
	msgs, err := sess.client.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		return nil, err
	}

	entries := make([]uidEntry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.UID == 0 {
			continue
		}
		entries = append(entries, uidEntry{
			uid:  UID(msg.UID),
			seen: hasFlag(msg.Flags, imap.FlagSeen),
		})
	}
	return entries, nil
}

func toUIDs(in []imap.UID) []UID {
	out := make([]UID, len(in))
	for i, u := range in {
		out[i] = UID(u)
	}
	return out
}

func toIMAPUIDs(in []UID) []imap.UID {
	out := make([]imap.UID, len(in))
	for i, u := range in {
		out[i] = imap.UID(u)
	}
	return out
}

func sortNewestFirst(ids []UID) []UID {
	slices.SortFunc(ids, func(a, b UID) int { return cmp.Compare(b, a) })
	return slices.Compact(ids)
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(want)) {
			return true
		}
	}
	return false
}
