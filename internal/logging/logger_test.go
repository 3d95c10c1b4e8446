package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func captureLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			if ts, ok := a.Value.Any().(time.Time); ok {
				a.Value = slog.StringValue(ts.Format(time.RFC3339Nano))
			}
		}
		return a
	}})
	return &Logger{Logger: slog.New(handler)}, &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	return entry
}

func TestContextAttrsAreLogged(t *testing.T) {
	logger, buf := captureLogger(t)

	ctx := WithRemoteAddr(context.Background(), "203.0.113.5")
	ctx = WithUsername(ctx, "alice")
	ctx = WithMessageID(ctx, "<m1@example.com>")

	logger.InfoContext(ctx, "test event", "extra", "value")

	entry := lastEntry(t, buf)
	if entry["remote_addr"] != "203.0.113.5" {
		t.Errorf("remote_addr = %v", entry["remote_addr"])
	}
	if entry["username"] != "alice" {
		t.Errorf("username = %v", entry["username"])
	}
	if entry["message_id"] != "<m1@example.com>" {
		t.Errorf("message_id = %v", entry["message_id"])
	}
	if entry["extra"] != "value" {
		t.Errorf("extra = %v", entry["extra"])
	}
}

func TestErrorContextIncludesError(t *testing.T) {
	logger, buf := captureLogger(t)

	logger.ErrorContext(context.Background(), "boom", context.DeadlineExceeded)

	entry := lastEntry(t, buf)
	if entry["error"] != context.DeadlineExceeded.Error() {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestComponentLoggers(t *testing.T) {
	logger, buf := captureLogger(t)

	logger.SMTP().Info("hello")
	entry := lastEntry(t, buf)
	if entry["component"] != "smtp" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestNewRejectsNothing(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if _, err := New(Config{Level: level, Format: "json", Output: "stderr"}); err != nil {
			t.Errorf("New with level %q failed: %v", level, err)
		}
	}
}
