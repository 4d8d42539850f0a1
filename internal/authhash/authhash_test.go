package authhash

import "testing"

func TestNewNonceLength(t *testing.T) {
	n, err := NewNonce(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(n) != 32 { // hex-encoded
		t.Fatalf("unexpected nonce length %d", len(n))
	}

	if _, err := NewNonce(4); err == nil {
		t.Fatal("expected error for nonce size below minimum")
	}
	if _, err := NewNonce(256); err == nil {
		t.Fatal("expected error for nonce size above maximum")
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a, err := HashPassword(HashSHA256, "secret", "nonce1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashPassword(HashSHA256, "secret", "nonce1")
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatal("expected deterministic hash for identical inputs")
	}

	c, err := HashPassword(HashSHA256, "secret", "nonce2")
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(c) {
		t.Fatal("expected different hash for different nonce")
	}
}

func TestHashAlgoString(t *testing.T) {
	if HashPlain.String() != "plain" {
		t.Fatalf("unexpected: %s", HashPlain.String())
	}
}
