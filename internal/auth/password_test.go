package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestVerifyPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if !VerifyPassword("correct horse battery staple", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong password", hash) {
		t.Error("wrong password accepted")
	}
}

func TestVerifyPasswordLegacySHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("legacy-secret"))
	stored := hex.EncodeToString(sum[:])

	if !VerifyPassword("legacy-secret", stored) {
		t.Error("correct legacy password rejected")
	}
	if VerifyPassword("other", stored) {
		t.Error("wrong legacy password accepted")
	}
}

func TestNeedsUpgrade(t *testing.T) {
	hash, err := HashPassword("pw123456")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if NeedsUpgrade(hash) {
		t.Error("bcrypt hash should not need upgrade")
	}

	sum := sha256.Sum256([]byte("pw123456"))
	if !NeedsUpgrade(hex.EncodeToString(sum[:])) {
		t.Error("hex SHA-256 hash should need upgrade")
	}
}

func TestVerifyCRAMDigest(t *testing.T) {
	// RFC 2195 example: HMAC-MD5("tanstaaftanstaaf", challenge)
	challenge := "<1896.697170952@postoffice.reston.mci.net>"
	secret := "tanstaaftanstaaf"
	want := "b913a602c7eda7a495b4e6e7334d3890"

	if !verifyCRAMDigest(secret, challenge, want) {
		t.Error("known-good CRAM-MD5 digest rejected")
	}
	if verifyCRAMDigest(secret, challenge, "deadbeef") {
		t.Error("bogus digest accepted")
	}
	if verifyCRAMDigest("", challenge, want) {
		t.Error("empty secret accepted")
	}
}
