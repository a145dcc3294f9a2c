// Package auth implements the Authenticator: validating a client's
// password or JWT against the control plane and producing the
// ComputeCredentialKeys the connect mechanism later replays against the
// real compute backend.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"

	"github.com/serverlessdb/poolproxy/internal/controlplane"
	"github.com/serverlessdb/poolproxy/internal/types"
)

// verifyPassword runs the server side of a SCRAM-SHA-256 mock exchange: it
// never talks to a socket, it just derives the same SaltedPassword from the
// candidate password and compares the resulting StoredKey against the
// control plane's stored verifier. A match yields the ClientKey/ServerKey
// pair the connect mechanism replays as AuthKeys so the real compute never
// sees the password a second time.
//
// The derivation mirrors the client side in internal/connect/pgwire.go:
// SaltedPassword = PBKDF2(password, salt, iterations); ClientKey =
// HMAC(SaltedPassword, "Client Key"); StoredKey = SHA256(ClientKey). Both
// sides of SCRAM compute the identical value from the identical inputs,
// only starting from the password instead of off the wire.
func verifyPassword(secret *controlplane.ScramSecret, password string) (types.ScramKeys, bool) {
	saltedPassword := pbkdf2.Key([]byte(password), secret.Salt, secret.Iterations, 32, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	if subtle.ConstantTimeCompare(storedKey, secret.StoredKey[:]) != 1 {
		return types.ScramKeys{}, false
	}

	var keys types.ScramKeys
	copy(keys.ClientKey[:], clientKey)
	copy(keys.ServerKey[:], serverKey)
	return keys, true
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// dummyScramSecret is verified against when a role has no stored secret,
// so "no such role" and "wrong password" take the same time. The candidate
// password can never match: the stored key is all zeroes, which SHA-256
// has no known preimage for.
var dummyScramSecret = &controlplane.ScramSecret{
	Salt:       []byte("mitigate-role-probe-timing"),
	Iterations: controlplane.DefaultScramIterations,
}
