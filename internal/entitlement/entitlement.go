package entitlement

import (
	"strings"

	"github.com/vividon/backend/internal/models"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allowed means the account may use metered features.
	Allowed Decision = iota
	// DeniedNotApproved means the account is waitlisted for beta access.
	DeniedNotApproved
	// DeniedBlocked means the account is suspended. Blocked wins over every
	// other state, including approval.
	DeniedBlocked
)

// Guard evaluates account entitlement. It is pure policy: all inputs come from
// the account row loaded during authentication, so the check never does I/O.
type Guard struct {
	adminEmails map[string]bool
}

// NewGuard creates a guard with a static admin allow-list. The list is a
// bootstrap mechanism: it grants admin to configured emails before anyone
// exists to flip the database flag.
func NewGuard(adminEmails []string) *Guard {
	emails := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			emails[e] = true
		}
	}
	return &Guard{adminEmails: emails}
}

// Authorize decides whether the account may use metered features. Blocked is
// checked first so a blocked-and-unapproved account reports suspension, not
// the waitlist.
func (g *Guard) Authorize(account *models.Account) Decision {
	if account.IsBlocked {
		return DeniedBlocked
	}
	if !account.IsApproved {
		return DeniedNotApproved
	}
	return Allowed
}

// IsAdmin reports whether the account holds admin rights, from either the
// database flag or the configured allow-list.
func (g *Guard) IsAdmin(account *models.Account) bool {
	if account.IsAdmin {
		return true
	}
	return g.adminEmails[strings.ToLower(account.Email)]
}
