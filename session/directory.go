// Package session tracks the users currently logged in to this process.
package session

import (
	"sync"

	"github.com/MalauD/Pixure/account"
)

// Directory maps usernames to logged in users. It is safe for concurrent use;
// lookups only contend with logins and logouts.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*account.User
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*account.User)}
}

// Put records u as logged in, replacing any earlier entry for the same name
func (d *Directory) Put(u *account.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = u
}

// Get returns the logged in user named username
func (d *Directory) Get(username string) (*account.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	return u, ok
}

// Remove forgets username; removing an absent user is a no-op
func (d *Directory) Remove(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, username)
}

// Len is the number of logged in users
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
