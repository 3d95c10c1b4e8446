package spam

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"regexp"
	"strings"
)

// Part is one MIME leaf with its undecoded transfer encoding.
type Part struct {
	ContentType      string
	TransferEncoding string
	Body             string
}

// ParsedMessage is the rule engine's view of a message.
type ParsedMessage struct {
	Subject   string
	MessageID string
	Date      string
	From      []string // one entry per From: header line
	Received  []string
	Parts     []Part
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Parse builds a ParsedMessage from raw message bytes. It returns an error
// only when the header block cannot be read. An unparseable Content-Type is
// read as a single text/plain part; a broken multipart body yields the parts
// read before the break, possibly none.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	p := &ParsedMessage{
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		Date:      msg.Header.Get("Date"),
		From:      msg.Header["From"],
		Received:  msg.Header["Received"],
	}

	contentType := msg.Header.Get("Content-Type")
	encoding := msg.Header.Get("Content-Transfer-Encoding")
	p.Parts = walkParts(contentType, encoding, msg.Body, 0)
	return p, nil
}

// walkParts flattens the MIME tree into leaf parts.
func walkParts(contentType, encoding string, body io.Reader, depth int) []Part {
	if depth > 8 {
		return nil
	}

	mediaType := "text/plain"
	var params map[string]string
	if contentType != "" {
		if mt, ps, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
			params = ps
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		var parts []Part
		mr := multipart.NewReader(body, params["boundary"])
		for {
			sub, err := mr.NextPart()
			if err != nil {
				break
			}
			parts = append(parts, walkParts(
				sub.Header.Get("Content-Type"),
				sub.Header.Get("Content-Transfer-Encoding"),
				sub, depth+1,
			)...)
		}
		return parts
	}

	data, err := io.ReadAll(io.LimitReader(body, 10<<20))
	if err != nil {
		return nil
	}
	return []Part{{
		ContentType:      mediaType,
		TransferEncoding: strings.ToLower(strings.TrimSpace(encoding)),
		Body:             string(data),
	}}
}

// TextBody returns the first decoded-enough text/plain body.
func (p *ParsedMessage) TextBody() string {
	for _, part := range p.Parts {
		if part.ContentType == "text/plain" {
			return part.Body
		}
	}
	return ""
}

// HTMLBody returns the first text/html body.
func (p *ParsedMessage) HTMLBody() string {
	for _, part := range p.Parts {
		if part.ContentType == "text/html" {
			return part.Body
		}
	}
	return ""
}

// AllText joins all textual content; HTML parts contribute with tags
// stripped.
func (p *ParsedMessage) AllText() string {
	var chunks []string
	for _, part := range p.Parts {
		switch part.ContentType {
		case "text/plain":
			chunks = append(chunks, part.Body)
		case "text/html":
			chunks = append(chunks, tagPattern.ReplaceAllString(part.Body, " "))
		}
	}
	return strings.Join(chunks, " ")
}

// decodeHeader decodes RFC 2047 encoded words, falling back to the raw
// value.
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// ReadAll drains a reader honoring a byte cap, returning the bytes read.
func ReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, io.LimitReader(bufio.NewReader(r), maxBytes)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
