package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, ".age-key")

	if err := GenerateIdentity(keyPath); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	// Idempotent: second call is a no-op
	before, _ := os.ReadFile(keyPath)
	if err := GenerateIdentity(keyPath); err != nil {
		t.Fatalf("GenerateIdentity (second): %v", err)
	}
	after, _ := os.ReadFile(keyPath)
	if string(before) != string(after) {
		t.Fatal("GenerateIdentity overwrote existing key")
	}

	id, err := LoadIdentity(keyPath)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}

	blob, err := Encrypt("sk-super-secret", id.Recipient())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(blob) {
		t.Fatalf("blob not recognized as encrypted: %q", blob)
	}

	plain, err := Decrypt(blob, id)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-super-secret" {
		t.Errorf("round trip: got %q", plain)
	}
}

func TestDecryptRejectsPlaintext(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, ".age-key")
	if err := GenerateIdentity(keyPath); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	id, err := LoadIdentity(keyPath)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}

	if _, err := Decrypt("not-encrypted", id); err == nil {
		t.Fatal("expected error for plaintext input")
	}
}
