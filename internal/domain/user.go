package domain

// Role is the caller's role relative to one transaction
type Role string

// Roles
const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
	RoleSystem Role = "SYSTEM" // Background jobs
	RoleNone   Role = ""       // Not a participant
)

// Caller identifies who performs an operation; supplied by the session layer and trusted as-is
type Caller struct {
	UserID string // Authenticated user id
	Role   Role   // Role claimed for the target transaction
}

// SystemCaller is the identity background jobs act as
var SystemCaller = Caller{UserID: "system", Role: RoleSystem}

// RoleFor resolves which role a user holds on a transaction
func RoleFor(t *Transaction, userID string, admin bool) Role {
	if admin {
		return RoleAdmin // Admins act as admins everywhere
	}
	switch userID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	}
	return RoleNone
}

// Participates reports whether the caller's claimed role matches the transaction's parties
func (c Caller) Participates(t *Transaction) bool {
	switch c.Role {
	case RoleBuyer:
		return c.UserID == t.BuyerID
	case RoleSeller:
		return c.UserID == t.SellerID
	case RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// On fills in the caller's role from the transaction's parties when none was claimed
func (c Caller) On(t *Transaction) Caller {
	if c.Role == RoleNone {
		c.Role = RoleFor(t, c.UserID, false)
	}
	return c
}
