package mailbox

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeWord decodes RFC 2047 encoded-words such as attachment filenames.
func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseBody extracts the text/plain and text/html bodies of a raw message.
// When the source cannot be parsed or carries no text, a plain-text preview
// is recovered from the raw bytes.
func parseBody(raw []byte, previewLimit int) (textBody, htmlBody string) {
	if len(raw) == 0 {
		return "", ""
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return rawPlainText(raw, previewLimit), ""
	}
	defer mr.Close()

	var haveText, haveHTML bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && !haveText:
			textBody = string(body)
			haveText = true
		case strings.HasPrefix(contentType, "text/html") && !haveHTML:
			htmlBody = string(body)
			haveHTML = true
		}
	}

	if strings.TrimSpace(textBody) == "" && htmlBody != "" {
		textBody = stripHTML(htmlBody)
	}
	if strings.TrimSpace(textBody) == "" && htmlBody == "" {
		textBody = rawPlainText(raw, previewLimit)
	}
	return textBody, htmlBody
}

// rawPlainText skips the header block (up to the first blank line) and
// returns at most limit bytes of what follows, cut on a rune boundary.
func rawPlainText(raw []byte, limit int) string {
	body := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		body = raw[i+4:]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		body = raw[i+2:]
	} else {
		return ""
	}

	if limit > 0 && len(body) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return strings.TrimSpace(string(body))
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags and decodes common entities, giving a basic
// plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	lines := strings.Split(result, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
