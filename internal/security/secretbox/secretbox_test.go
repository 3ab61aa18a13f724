package secretbox

import (
	"encoding/base64"
	"errors"
	"testing"
)

func testBox(t *testing.T) *Box {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	box, err := New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	return box
}

func TestSealOpen(t *testing.T) {
	box := testBox(t)
	sealed, err := box.Seal([]byte(`{"instrument":"EURUSD","size":1000}`), "cmd-1")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plaintext, err := box.Open(sealed, "cmd-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plaintext) != `{"instrument":"EURUSD","size":1000}` {
		t.Fatalf("unexpected plaintext: %s", plaintext)
	}
}

func TestOpenRejectsOtherCommand(t *testing.T) {
	box := testBox(t)
	sealed, err := box.Seal([]byte("args"), "cmd-1")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := box.Open(sealed, "cmd-2"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := New(key); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}
