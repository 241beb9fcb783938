package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/common/crypto"
)

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte("sk-ant-SECRETVALUE")

	ct, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := crypto.Decrypt(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestEncrypt_RejectsBadKeySize(t *testing.T) {
	if _, err := crypto.Encrypt([]byte("short"), []byte("x")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	key := testKey()
	ct, err := crypto.EncryptString(key, "value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := crypto.DecryptString(key, ct); err == nil {
		t.Fatal("expected auth failure for tampered ciphertext")
	}
}

func TestDecrypt_RejectsShortCiphertext(t *testing.T) {
	if _, err := crypto.Decrypt(testKey(), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestParseMasterKey(t *testing.T) {
	hexKey := strings.Repeat("ab", crypto.KeySize)
	key, err := crypto.ParseMasterKey(" " + hexKey + "\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Fatalf("expected %d bytes, got %d", crypto.KeySize, len(key))
	}

	if _, err := crypto.ParseMasterKey(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := crypto.ParseMasterKey("zz"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := crypto.ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestHashToken_StableAndOpaque(t *testing.T) {
	tok := "c2VrcmV0LXRva2Vu"
	h1 := crypto.HashToken(tok)
	h2 := crypto.HashToken(tok)
	if h1 != h2 {
		t.Fatal("hash not stable")
	}
	if strings.Contains(h1, tok) {
		t.Fatal("hash contains the token")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestSecretDigest_Prefixed(t *testing.T) {
	d := crypto.SecretDigest("sk-ant-SECRETVALUE")
	if !strings.HasPrefix(d, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %q", d)
	}
	if strings.Contains(d, "SECRETVALUE") {
		t.Fatal("digest leaks the value")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !crypto.ConstantTimeEqual("abc", "abc") {
		t.Error("equal strings reported unequal")
	}
	if crypto.ConstantTimeEqual("abc", "abd") {
		t.Error("unequal strings reported equal")
	}
	if crypto.ConstantTimeEqual("abc", "abcd") {
		t.Error("different lengths reported equal")
	}
}
