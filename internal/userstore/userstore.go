package userstore

import (
	"context"
	"errors"
	"time"
)

// Role represents a capability level within the application.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Status captures whether an account may sign in.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// ErrNotWhitelisted is returned when registration is attempted for an email
// outside the whitelist.
var ErrNotWhitelisted = errors.New("email not whitelisted")

// ErrEmailTaken is returned when the email already has an account.
var ErrEmailTaken = errors.New("email already registered")

// User represents an account managed by the service.
type User struct {
	ID           int64
	Email        string
	Role         Role
	DisplayName  string
	Status       Status
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// LastLoginAt is nil until the account's first successful login.
	LastLoginAt *time.Time
}

// WhitelistEntry permits one email address to register.
type WhitelistEntry struct {
	ID        int64
	Email     string
	Note      string
	CreatedAt time.Time
}

// UserUpdate carries optional field changes for a user record.
type UserUpdate struct {
	Role        *Role
	Status      *Status
	DisplayName *string
}

// Store persists users and whitelist entries.
type Store interface {
	EnsureRootAdmin(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, email, displayName, passwordHash string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, id int64, update UserUpdate) (*User, error)

	// TouchLastLogin stamps the account's last successful login time.
	TouchLastLogin(ctx context.Context, id int64) error

	IsWhitelisted(ctx context.Context, email string) (bool, error)
	AddWhitelist(ctx context.Context, email, note string) (*WhitelistEntry, error)
	RemoveWhitelist(ctx context.Context, id int64) error
	ListWhitelist(ctx context.Context) ([]WhitelistEntry, error)

	Close() error
}
