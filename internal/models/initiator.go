package models

type VerifiedBy string

const (
	VerifiedBySystem VerifiedBy = "System"
	VerifiedByUser   VerifiedBy = "User"
)

// Initiator records who created a transaction. A transaction is either requested
// (and later verified by the system) or verified by a user on creation, never both.
type Initiator interface {
	UserID() int64
	VerifiedBy() VerifiedBy
	isInitiator()
}

// SystemRequested is a payment requested by a user and confirmed by the system.
type SystemRequested struct {
	By int64
}

func (s SystemRequested) UserID() int64          { return s.By }
func (s SystemRequested) VerifiedBy() VerifiedBy { return VerifiedBySystem }
func (SystemRequested) isInitiator()             {}

// UserVerified is a payment confirmed manually, e.g. cash at the counter.
type UserVerified struct {
	By int64
}

func (u UserVerified) UserID() int64          { return u.By }
func (u UserVerified) VerifiedBy() VerifiedBy { return VerifiedByUser }
func (UserVerified) isInitiator()             {}

// InitiatorFromColumns rebuilds the union from its nullable storage columns.
func InitiatorFromColumns(requestedBy, verifiedBy *int64) (Initiator, bool) {
	switch {
	case requestedBy != nil && verifiedBy == nil:
		return SystemRequested{By: *requestedBy}, true
	case verifiedBy != nil && requestedBy == nil:
		return UserVerified{By: *verifiedBy}, true
	}
	return nil, false
}

// InitiatorColumns splits the union into requested_by_user_id and verified_by_user_id.
func InitiatorColumns(i Initiator) (requestedBy, verifiedBy *int64) {
	switch v := i.(type) {
	case SystemRequested:
		by := v.By
		return &by, nil
	case UserVerified:
		by := v.By
		return nil, &by
	}
	return nil, nil
}
