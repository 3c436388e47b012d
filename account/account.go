// Package account holds registered users and their derived credentials.
package account

import (
	"errors"

	"github.com/MalauD/Pixure/credential"
)

// ErrInvalidUser is returned when registering with an empty username or password
var ErrInvalidUser = errors.New("username and password must not be empty")

// User is a registered account. The password itself is never kept.
type User struct {
	Username   string
	Credential credential.Credential
}

// New creates a user, deriving its credential from password
func New(username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidUser
	}
	return &User{
		Username:   username,
		Credential: credential.Derive(username, password),
	}, nil
}

// Login checks password against the stored credential
func (u *User) Login(password string) error {
	return credential.Verify(u.Username, password, u.Credential)
}
