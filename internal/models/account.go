package models

import (
	"slices"
	"time"
)

// Role names understood by the host platform
const (
	RoleAdministrator = "administrator"
	RoleEditor        = "editor"
	RoleSubscriber    = "subscriber"
)

// Account is the host platform's user record
type Account struct {
	ID           string
	Login        string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasAnyRole reports whether the account holds at least one of roles
func (a *Account) HasAnyRole(roles []string) bool {
	for _, r := range a.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}
