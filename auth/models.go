package auth

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// User is the domain representation of an authenticated caller.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID       string
	Phone    string
	FullName string
	// PasswordHash is empty for customers who sign in by phone alone.
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest creates an account with a password, used for operators.
type RegisterRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// PhoneLoginRequest signs a caller in by phone. Password is required only
// for accounts that have one.
type PhoneLoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password,omitempty"`
}

// Claims is what a verified session token carries.
type Claims struct {
	UserID string
	Phone  string
	Role   Role
}
