package domain

import "time"

// OperatorRole enumerates internal operator roles.
type OperatorRole string

const (
	OperatorRoleEngineer OperatorRole = "ENGINEER"
	OperatorRoleLead     OperatorRole = "LEAD"
	OperatorRoleAdmin    OperatorRole = "ADMIN"
)

// Operator models a support engineer who approves actions.
type Operator struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         OperatorRole
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
