package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vividon/backend/internal/models"
	"pgregory.net/rapid"
)

func TestAuthorize(t *testing.T) {
	guard := NewGuard(nil)

	tests := []struct {
		name     string
		approved bool
		blocked  bool
		want     Decision
	}{
		{"approved account", true, false, Allowed},
		{"waitlisted account", false, false, DeniedNotApproved},
		{"blocked account", true, true, DeniedBlocked},
		{"blocked wins over waitlist", false, true, DeniedBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := &models.Account{IsApproved: tt.approved, IsBlocked: tt.blocked}
			assert.Equal(t, tt.want, guard.Authorize(account))
		})
	}
}

func TestBlockedNeverAllowed(t *testing.T) {
	guard := NewGuard(nil)

	rapid.Check(t, func(t *rapid.T) {
		account := &models.Account{
			IsApproved: rapid.Bool().Draw(t, "approved"),
			IsBlocked:  true,
			IsAdmin:    rapid.Bool().Draw(t, "admin"),
		}
		if guard.Authorize(account) != DeniedBlocked {
			t.Fatalf("blocked account was not denied")
		}
	})
}

func TestIsAdmin(t *testing.T) {
	guard := NewGuard([]string{"Ops@Vividon.ai", "  founder@vividon.ai "})

	t.Run("database flag", func(t *testing.T) {
		account := &models.Account{Email: "user@example.com", IsAdmin: true}
		assert.True(t, guard.IsAdmin(account))
	})

	t.Run("allow-list is case-insensitive and trimmed", func(t *testing.T) {
		assert.True(t, guard.IsAdmin(&models.Account{Email: "ops@vividon.ai"}))
		assert.True(t, guard.IsAdmin(&models.Account{Email: "FOUNDER@vividon.ai"}))
	})

	t.Run("regular user", func(t *testing.T) {
		assert.False(t, guard.IsAdmin(&models.Account{Email: "user@example.com"}))
	})

	t.Run("empty allow-list entries ignored", func(t *testing.T) {
		g := NewGuard([]string{"", "  "})
		assert.False(t, g.IsAdmin(&models.Account{Email: ""}))
	})
}
