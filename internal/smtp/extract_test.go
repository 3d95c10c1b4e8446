package smtp

import (
	"strings"
	"testing"
)

func TestExtractBodiesMultipart(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.net\r\n" +
		"Subject: =?utf-8?q?caf=C3=A9_plans?=\r\n" +
		"Date: Mon, 01 Jan 2024 10:00:00 +0000\r\n" +
		"Message-ID: <m1@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body here\r\n" +
		"--b1\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html body here</p>\r\n" +
		"--b1--\r\n"

	got := extractBodies([]byte(raw))

	if got.Subject != "café plans" {
		t.Errorf("subject = %q, want decoded", got.Subject)
	}
	if !strings.Contains(got.Text, "plain body here") {
		t.Errorf("text = %q", got.Text)
	}
	if !strings.Contains(got.HTML, "html body here") {
		t.Errorf("html = %q", got.HTML)
	}
}

func TestExtractBodiesPlainOnly(t *testing.T) {
	raw := "From: a@b.c\r\n" +
		"Subject: simple\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n"

	got := extractBodies([]byte(raw))
	if !strings.Contains(got.Text, "just text") {
		t.Errorf("text = %q", got.Text)
	}
	if got.HTML != "" {
		t.Errorf("html = %q, want empty", got.HTML)
	}
}

func TestExtractBodiesGarbage(t *testing.T) {
	// Must not panic; the raw bytes remain the source of truth.
	got := extractBodies([]byte("not a message at all"))
	if got.HTML != "" {
		t.Errorf("garbage input produced HTML: %q", got.HTML)
	}
}
