package mailbox

import (
	"fmt"
	"strconv"
	"time"
)

// UID is the stable, per-epoch identifier the server assigns to a message.
// It is the only message identifier that leaves this package; sequence
// numbers are never stored in exported types.
type UID uint32

// ParseUID converts a decimal string (as found in URLs and CLI arguments)
// to a UID.
func ParseUID(s string) (UID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid message UID %q", s)
	}
	return UID(n), nil
}

func (u UID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// Mailbox holds folder metadata as reported by the server.
type Mailbox struct {
	Name        string `json:"name"`
	Messages    uint32 `json:"messages"`
	Unseen      uint32 `json:"unseen"`
	UIDNext     UID    `json:"uidNext"`
	UIDValidity uint32 `json:"uidValidity"`
}

// Address is a single mailbox address from an envelope.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// MessageSummary is the list-view projection of a message.
type MessageSummary struct {
	UID            UID       `json:"uid"`
	MessageID      string    `json:"messageId"`
	Date           time.Time `json:"date"`
	Subject        string    `json:"subject"`
	From           *Address  `json:"from"`
	To             []Address `json:"to"`
	Cc             []Address `json:"cc"`
	Flags          []string  `json:"flags"`
	Unread         bool      `json:"unread"`
	Important      bool      `json:"important"`
	Size           int64     `json:"size"`
	HasAttachments bool      `json:"hasAttachments"`
}

// Attachment describes a non-inline body part. Part is the MIME part path
// ("2", "1.3", ...) used to fetch the content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Part        string `json:"part"`
}

// MessageDetail is a summary plus bodies and attachment metadata.
type MessageDetail struct {
	MessageSummary
	TextBody    string       `json:"body"`
	HTMLBody    string       `json:"htmlBody"`
	Attachments []Attachment `json:"attachments"`
}

// AttachmentData holds the decoded content of one attachment.
type AttachmentData struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SearchFilter selects and pages messages of a folder.
type SearchFilter struct {
	Folder     string
	UnreadOnly bool
	FreeText   string
	Limit      int
	Offset     int
}

// ListResult is one page of messages plus folder counters.
type ListResult struct {
	Emails      []MessageSummary `json:"emails"`
	Total       int              `json:"total"`
	Folder      string           `json:"folder"`
	UnreadCount uint32           `json:"unreadCount"`
	UIDValidity uint32           `json:"uidValidity"`
}

// Stats are the dashboard counters for a folder. WithAttachments, Today and
// LastWeek are computed over the newest Sampled messages only.
type Stats struct {
	Folder          string `json:"folder"`
	Total           uint32 `json:"total"`
	Unread          uint32 `json:"unread"`
	WithAttachments int    `json:"withAttachments"`
	Today           int    `json:"today"`
	LastWeek        int    `json:"lastWeek"`
	Sampled         int    `json:"sampled"`
	UIDValidity     uint32 `json:"uidValidity"`
}
