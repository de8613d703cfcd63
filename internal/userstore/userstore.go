// Package userstore persists console accounts. The primary implementation
// keeps users in an embedded badger database keyed by id, with a secondary
// username index for login lookups.
package userstore

import "errors"

// roles recognized by the console
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrNotFound is returned when a user id or username has no record.
var ErrNotFound = errors.New("user not found")

// ErrExists is returned on an attempt to create a user with a username
// that is already taken.
var ErrExists = errors.New("username already taken")

// User is a console account. PasswordHash is a bcrypt hash and never
// leaves the store in a rendered page or API response.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Store is the account persistence contract used by the web layer.
type Store interface {
	// List returns all users, ordered by username.
	List() ([]User, error)
	// Get returns the user with the given id or ErrNotFound.
	Get(id string) (User, error)
	// GetByUsername returns the user with the given username or ErrNotFound.
	GetByUsername(username string) (User, error)
	// Create persists a new user; ErrExists if the username is taken.
	Create(u User) error
	// Delete removes the user with the given id or returns ErrNotFound.
	Delete(id string) error
	// DeleteAllExcept removes every user but the one with the given id
	// and returns the number of removed accounts.
	DeleteAllExcept(id string) (int, error)
	// Close releases store resources.
	Close() error
}
