package smtp

import (
	"bytes"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// bodies holds the decoded textual content of a message.
type bodies struct {
	Subject string
	Text    string
	HTML    string
}

// extractBodies decodes the message's subject and first text/plain and
// text/html parts, with charset conversion. A message that cannot be
// walked yields empty bodies rather than an error; the raw bytes are the
// source of truth.
func extractBodies(raw []byte) bodies {
	var out bodies

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return out
	}
	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = subject
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, 10<<20))
		if err != nil {
			continue
		}

		switch {
		case strings.EqualFold(contentType, "text/plain") && out.Text == "":
			out.Text = string(body)
		case strings.EqualFold(contentType, "text/html") && out.HTML == "":
			out.HTML = string(body)
		}
	}
	return out
}
