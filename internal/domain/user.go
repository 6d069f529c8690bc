package domain

import (
	"errors"
	"regexp"
	"strings"
)

// Role types
const (
	RolePractitioner = "practitioner"
	RolePatient      = "patient"
)

var (
	validRoles = map[string]bool{
		RolePractitioner: true,
		RolePatient:      true,
	}

	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User representa a identidade autenticada que faz a requisição
type User struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// NormalizeEmail lowercases and trims an identity so comparisons between the
// token subject and ledger columns are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Is reports whether the user is the given party identity.
func (u User) Is(email string) bool {
	if u.Email == "" {
		return false
	}
	return NormalizeEmail(u.Email) == NormalizeEmail(email)
}

// Validate verifica se o usuário é válido
func (u User) Validate() error {
	if u.Email == "" {
		return errors.New("user email cannot be empty")
	}

	if !emailRegex.MatchString(u.Email) {
		return errors.New("user email is not a valid address")
	}

	if !validRoles[u.Role] {
		return errors.New("invalid role")
	}

	return nil
}

// IsValidRole verifica se o papel é válido
func IsValidRole(role string) bool {
	return validRoles[role]
}
