package auth

import (
	"crypto/sha256"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/serverlessdb/poolproxy/internal/controlplane"
)

func buildSecret(t *testing.T, password string, salt []byte, iterations int) *controlplane.ScramSecret {
	t.Helper()
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	secret := &controlplane.ScramSecret{Salt: salt, Iterations: iterations}
	copy(secret.StoredKey[:], storedKey)
	copy(secret.ServerKey[:], serverKey)
	return secret
}

func TestVerifyPasswordMatch(t *testing.T) {
	salt := []byte("testsalt")
	secret := buildSecret(t, "hunter2", salt, 4096)

	keys, ok := verifyPassword(secret, "hunter2")
	if !ok {
		t.Fatalf("expected password to verify")
	}
	if keys.ClientKey == ([32]byte{}) {
		t.Errorf("expected non-zero client key")
	}
	if keys.ServerKey != secret.ServerKey {
		t.Errorf("derived server key does not match stored server key")
	}
}

func TestVerifyPasswordMismatch(t *testing.T) {
	salt := []byte("testsalt")
	secret := buildSecret(t, "hunter2", salt, 4096)

	if _, ok := verifyPassword(secret, "wrong-password"); ok {
		t.Fatalf("expected mismatched password to fail verification")
	}
}
