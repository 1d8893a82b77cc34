package staff

import (
	"time"

	"github.com/google/uuid"
)

// MinPasswordLength is the shortest password accepted for a local account.
const MinPasswordLength = 8

// User is a laboratory staff account.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	FullName     string     `json:"full_name"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	Department   string     `json:"department,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DirectoryEntry is the public view of a colleague.
type DirectoryEntry struct {
	ID         uuid.UUID `json:"id"`
	FullName   string    `json:"full_name"`
	Department string    `json:"department,omitempty"`
}

type CreateInput struct {
	Username   string   `json:"username"`
	FullName   string   `json:"full_name"`
	Password   string   `json:"password"`
	Roles      []string `json:"roles"`
	Department string   `json:"department"`
}

type UpdateInput struct {
	FullName   *string  `json:"full_name"`
	Roles      []string `json:"roles"`
	Department *string  `json:"department"`
	IsActive   *bool    `json:"is_active"`
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResult struct {
	Token     string    `json:"access_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}
