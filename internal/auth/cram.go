package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// CRAMMD5 is the SASL mechanism name.
const CRAMMD5 = "CRAM-MD5"

// NewChallenge builds a timestamped CRAM-MD5 challenge of the form
// <ts.nonce@hostname>.
func NewChallenge(hostname string) string {
	nonce := make([]byte, 8)
	rand.Read(nonce)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), hex.EncodeToString(nonce), hostname)
}

// cramMD5Server implements sasl.Server for CRAM-MD5.
type cramMD5Server struct {
	challenge string
	done      bool
	verify    func(username, challenge, digest string) error
}

// NewCRAMMD5Server returns a sasl.Server that issues a challenge for
// hostname and hands the client's response to verify.
func NewCRAMMD5Server(hostname string, verify func(username, challenge, digest string) error) sasl.Server {
	return &cramMD5Server{challenge: NewChallenge(hostname), verify: verify}
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, true, errors.New("unexpected response")
	}
	if response == nil {
		return []byte(s.challenge), false, nil
	}

	s.done = true
	parts := strings.SplitN(string(response), " ", 2)
	if len(parts) != 2 {
		return nil, true, errors.New("malformed CRAM-MD5 response")
	}
	return nil, true, s.verify(parts[0], s.challenge, strings.ToLower(parts[1]))
}

