package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
)

const noSubject = "(no subject)"

// summaryOptions is the metadata-only fetch used for list pages.
func summaryOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:           true,
		Envelope:      true,
		Flags:         true,
		RFC822Size:    true,
		InternalDate:  true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}
}

// fetchSummaries fetches one page in a single round trip. The result
// follows the order of ids; UIDs that vanished since resolve are skipped.
func fetchSummaries(sess *session, ids []UID) ([]MessageSummary, error) {
	if len(ids) == 0 {
		return []MessageSummary{}, nil
	}

	msgs, err := sess.client.Fetch(imap.UIDSetNum(toIMAPUIDs(ids)...), summaryOptions()).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}

	byUID := make(map[UID]*imapclient.FetchMessageBuffer, len(msgs))
	for _, buf := range msgs {
		byUID[UID(buf.UID)] = buf
	}

	summaries := make([]MessageSummary, 0, len(ids))
	for _, id := range ids {
		buf, ok := byUID[id]
		if !ok {
			continue
		}
		summaries = append(summaries, summaryFromBuffer(buf))
	}
	return summaries, nil
}

// fetchDetail fetches metadata and the full source of one message without
// setting \Seen.
func fetchDetail(sess *session, id UID, previewLimit int) (*MessageDetail, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := summaryOptions()
	opts.BodySection = []*imap.FetchItemBodySection{section}

	msgs, err := sess.client.Fetch(imap.UIDSetNum(imap.UID(id)), opts).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}
	buf := findBuffer(msgs, id)
	if buf == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	detail := &MessageDetail{
		MessageSummary: summaryFromBuffer(buf),
		Attachments:    []Attachment{},
	}
	for _, ref := range attachmentParts(buf.BodyStructure) {
		detail.Attachments = append(detail.Attachments, ref.Attachment)
	}
	detail.TextBody, detail.HTMLBody = parseBody(buf.FindBodySection(section), previewLimit)
	return detail, nil
}

// fetchAttachment locates filename in the body structure of id and returns
// the decoded content of that part.
func fetchAttachment(sess *session, id UID, filename string) (*AttachmentData, error) {
	uidSet := imap.UIDSetNum(imap.UID(id))
	msgs, err := sess.client.Fetch(uidSet, &imap.FetchOptions{
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}
	buf := findBuffer(msgs, id)
	if buf == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	ref := findAttachment(attachmentParts(buf.BodyStructure), filename)
	if ref == nil {
		return nil, fmt.Errorf("attachment %q of message %s: %w", filename, id, ErrNotFound)
	}

	section := &imap.FetchItemBodySection{Part: ref.path, Peek: true}
	msgs, err = sess.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, opError("fetch", err)
	}
	buf = findBuffer(msgs, id)
	if buf == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, &OperationError{Op: "fetch", Err: fmt.Errorf("server returned no data for part %s", ref.Part)}
	}

	data, err := decodePart(raw, ref.ContentType, ref.encoding)
	if err != nil {
		return nil, &OperationError{Op: "fetch", Err: err}
	}
	return &AttachmentData{
		Filename:    ref.Filename,
		ContentType: ref.ContentType,
		Data:        data,
	}, nil
}

func findBuffer(msgs []*imapclient.FetchMessageBuffer, id UID) *imapclient.FetchMessageBuffer {
	for _, buf := range msgs {
		if UID(buf.UID) == id {
			return buf
		}
	}
	return nil
}

// summaryFromBuffer maps fetched metadata to a MessageSummary.
func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) MessageSummary {
	sum := MessageSummary{
		UID:     UID(buf.UID),
		Subject: noSubject,
		Date:    buf.InternalDate,
		Size:    buf.RFC822Size,
		To:      []Address{},
		Cc:      []Address{},
		Flags:   []string{},
	}

	if env := buf.Envelope; env != nil {
		sum.MessageID = env.MessageID
		if s := strings.TrimSpace(env.Subject); s != "" {
			sum.Subject = s
		}
		if !env.Date.IsZero() {
			sum.Date = env.Date
		}
		if len(env.From) > 0 {
			from := toAddress(env.From[0])
			sum.From = &from
		}
		for _, a := range env.To {
			sum.To = append(sum.To, toAddress(a))
		}
		for _, a := range env.Cc {
			sum.Cc = append(sum.Cc, toAddress(a))
		}
	}

	for _, f := range buf.Flags {
		sum.Flags = append(sum.Flags, string(f))
	}
	sum.Unread = !hasFlag(buf.Flags, imap.FlagSeen)
	sum.Important = hasFlag(buf.Flags, imap.FlagFlagged)
	sum.HasAttachments = len(attachmentParts(buf.BodyStructure)) > 0
	return sum
}

func toAddress(a imap.Address) Address {
	return Address{Name: a.Name, Email: a.Addr()}
}

// partRef is an attachment plus what is needed to fetch and decode it.
type partRef struct {
	Attachment
	path     []int
	encoding string
}

// attachmentParts walks bs and returns every part whose disposition is
// present and not inline.
func attachmentParts(bs imap.BodyStructure) []partRef {
	if bs == nil {
		return nil
	}
	var refs []partRef
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return true
		}
		disp := single.Disposition()
		if disp == nil || disp.Value == "" || strings.EqualFold(disp.Value, "inline") {
			return true
		}
		name := param(disp.Params, "filename")
		if name == "" {
			name = param(single.Params, "name")
		}
		refs = append(refs, partRef{
			Attachment: Attachment{
				Filename:    decodeWord(name),
				ContentType: strings.ToLower(single.Type + "/" + single.Subtype),
				Size:        int64(single.Size),
				Part:        partPath(path),
			},
			path:     append([]int(nil), path...),
			encoding: single.Encoding,
		})
		return true
	})
	return refs
}

func findAttachment(refs []partRef, filename string) *partRef {
	for i := range refs {
		if refs[i].Filename == filename {
			return &refs[i]
		}
	}
	for i := range refs {
		if strings.EqualFold(refs[i].Filename, filename) {
			return &refs[i]
		}
	}
	return nil
}

func param(params map[string]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func partPath(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// decodePart undoes the transfer encoding of a raw body part by handing it
// to go-message with a synthetic header.
func decodePart(raw []byte, contentType, encoding string) ([]byte, error) {
	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "Content-Type: %s\r\n", contentType)
	if encoding != "" {
		fmt.Fprintf(&hdr, "Content-Transfer-Encoding: %s\r\n", strings.ToLower(encoding))
	}
	hdr.WriteString("\r\n")

	entity, err := message.Read(io.MultiReader(&hdr, bytes.NewReader(raw)))
	if message.IsUnknownEncoding(err) {
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding attachment: %w", err)
	}
	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return data, nil
}
