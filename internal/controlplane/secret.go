package controlplane

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultScramIterations matches the iteration count Postgres itself picks
// for SCRAM-SHA-256 role passwords.
const DefaultScramIterations = 4096

// DeriveScramSecret computes the stored SCRAM-SHA-256 verifier for a
// plaintext password with a freshly generated salt. It is the config-file
// on-ramp for StaticClient's demo endpoint table — an operator writes a
// plaintext role password, and this runs once at load time so the stored
// password never sits in memory or in RoleSecret afterward, the same split
// internal/auth.verifyPassword expects on the read side.
func DeriveScramSecret(password string) (ScramSecret, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return ScramSecret{}, fmt.Errorf("generating scram salt: %w", err)
	}
	return deriveScramSecretWithSalt(password, salt, DefaultScramIterations), nil
}

func deriveScramSecretWithSalt(password string, salt []byte, iterations int) ScramSecret {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	secret := ScramSecret{Salt: salt, Iterations: iterations}
	copy(secret.StoredKey[:], storedKey[:])
	copy(secret.ServerKey[:], serverKey)
	return secret
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
