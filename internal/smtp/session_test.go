package smtp

import (
	"context"
	"testing"

	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/store"
)

// newTestSession builds a session whose TLS state is driven by the test.
func newTestSession(tlsOn *bool) *Session {
	return &Session{
		backend:   &Backend{logger: logging.Default().SMTP()},
		remoteIP:  "203.0.113.5",
		ctx:       logging.WithRemoteAddr(context.Background(), "203.0.113.5"),
		tlsActive: func() bool { return *tlsOn },
	}
}

func TestResetDropsPreTLSAuth(t *testing.T) {
	// AUTH in the clear, then STARTTLS: the post-upgrade reset must
	// require authentication to be redone.
	tlsOn := false
	s := newTestSession(&tlsOn)

	s.authSucceeded(&store.User{ID: 1, Username: "alice"})
	if s.user == nil {
		t.Fatal("authSucceeded did not record the user")
	}

	tlsOn = true
	s.Reset()

	if s.user != nil {
		t.Error("authentication survived the STARTTLS upgrade")
	}
}

func TestResetKeepsAuthEstablishedUnderTLS(t *testing.T) {
	tlsOn := true
	s := newTestSession(&tlsOn)

	s.authSucceeded(&store.User{ID: 1, Username: "alice"})
	s.Reset()

	if s.user == nil {
		t.Error("RSET dropped authentication performed inside TLS")
	}
}

func TestResetKeepsAuthWithoutTLS(t *testing.T) {
	tlsOn := false
	s := newTestSession(&tlsOn)

	s.authSucceeded(&store.User{ID: 1, Username: "alice"})
	s.Reset()

	if s.user == nil {
		t.Error("RSET on a plaintext session dropped authentication")
	}
}

func TestResetClearsTransactionState(t *testing.T) {
	tlsOn := false
	s := newTestSession(&tlsOn)
	s.from = "alice@example.com"
	s.rcpts = []string{"bob@example.net"}

	s.Reset()

	if s.from != "" || s.rcpts != nil {
		t.Errorf("transaction state not cleared: from=%q rcpts=%v", s.from, s.rcpts)
	}
}
