package delivery

import (
	"errors"
	"net/textproto"
	"testing"
)

func TestGroupByDomain(t *testing.T) {
	grouped := groupByDomain([]string{
		"alice@Example.COM",
		"bob@example.com",
		"carol@other.net",
		"broken-address",
	})

	if len(grouped) != 2 {
		t.Fatalf("got %d domains, want 2", len(grouped))
	}
	if len(grouped["example.com"]) != 2 {
		t.Errorf("example.com recipients = %v", grouped["example.com"])
	}
	if len(grouped["other.net"]) != 1 {
		t.Errorf("other.net recipients = %v", grouped["other.net"])
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"550 textproto", &textproto.Error{Code: 550, Msg: "no such user"}, true},
		{"554 textproto", &textproto.Error{Code: 554, Msg: "rejected"}, true},
		{"451 textproto", &textproto.Error{Code: 451, Msg: "greylisted"}, false},
		{"421 textproto", &textproto.Error{Code: 421, Msg: "busy"}, false},
		{"5xx string", errors.New("550 5.1.1 user unknown"), true},
		{"network error", errors.New("dial tcp: connection refused"), false},
	}

	for _, tt := range tests {
		classified := classifyError(tt.err)
		if got := errors.Is(classified, ErrPermanentFailure); got != tt.permanent {
			t.Errorf("%s: permanent = %v, want %v", tt.name, got, tt.permanent)
		}
		if !tt.permanent && !errors.Is(classified, ErrTemporaryFailure) {
			t.Errorf("%s: expected temporary classification", tt.name)
		}
	}
}

func TestStatusCode(t *testing.T) {
	if got := statusCode(&textproto.Error{Code: 452}); got != 452 {
		t.Errorf("statusCode = %d, want 452", got)
	}
	if got := statusCode(errors.New("no code here")); got != 0 {
		t.Errorf("statusCode = %d, want 0", got)
	}
}

func TestTLSVersionName(t *testing.T) {
	if got := tlsVersionName(0x0304); got != "TLSv1.3" {
		t.Errorf("tlsVersionName(0x0304) = %q", got)
	}
	if got := tlsVersionName(0x0303); got != "TLSv1.2" {
		t.Errorf("tlsVersionName(0x0303) = %q", got)
	}
}
