// internal/models/actor.go
package models

import "github.com/google/uuid"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the authenticated caller, passed explicitly into every operation
// that needs to know who is acting.
type Actor struct {
	ID     uuid.UUID `json:"id"`
	Role   Role      `json:"role"`
	Active bool      `json:"active"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAct reports whether the actor may act on a resource owned by ownerID.
func (a Actor) CanAct(ownerID uuid.UUID) bool {
	if !a.Active {
		return false
	}
	return a.IsAdmin() || a.ID == ownerID
}
