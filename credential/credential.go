// Package credential derives and verifies password credentials.
//
// Credentials are PBKDF2-HMAC-SHA256 keys. The salt is a fixed application
// component followed by the username, so no per-user salt has to be stored.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 work factor.
	Iterations = 100000
	// Length is the size in bytes of a derived credential.
	Length = sha256.Size
)

// ErrMismatchingCredential is returned when a password does not match the stored credential.
var ErrMismatchingCredential = errors.New("mismatching credential")

// changing this invalidates every stored credential
var saltComponent = [16]byte{
	0xd6, 0x26, 0x98, 0xda, 0xf4, 0xdc, 0x50, 0x52, 0x24, 0xf2, 0x27, 0xd1, 0xfe, 0x39, 0x01, 0x8a,
}

// Credential is a derived key
type Credential []byte

func salt(username string) []byte {
	s := make([]byte, 0, len(saltComponent)+len(username))
	s = append(s, saltComponent[:]...)
	return append(s, username...)
}

// Derive computes the credential for username and password
func Derive(username string, password string) Credential {
	return pbkdf2.Key([]byte(password), salt(username), Iterations, Length, sha256.New)
}

// Verify recomputes the credential for username and password and compares it
// with stored in constant time.
func Verify(username string, password string, stored Credential) error {
	derived := Derive(username, password)
	if len(stored) != Length || subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrMismatchingCredential
	}
	return nil
}
