package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/devpulse/devpulse/internal/store"
)

// Resolution is the outcome of author resolution. Unresolved authors are
// still recorded on canonical records with an empty author id.
type Resolution struct {
	Resolved bool
	UserID   string
}

type userFinder interface {
	FindUserByEmail(ctx context.Context, orgID, email string) (store.User, bool, error)
	ListUsers(ctx context.Context, orgID string) ([]store.User, error)
}

// resolveAuthor maps a payload identity to a known user: exact email match
// first, then a display-name match over the organization's users.
func resolveAuthor(ctx context.Context, users userFinder, orgID, email, displayName string) (Resolution, error) {
	if email != "" {
		user, found, err := users.FindUserByEmail(ctx, orgID, email)
		if err != nil {
			return Resolution{}, fmt.Errorf("find user by email: %w", err)
		}
		if found {
			return Resolution{Resolved: true, UserID: user.ID}, nil
		}
	}

	name := strings.TrimSpace(displayName)
	if name == "" {
		return Resolution{}, nil
	}

	candidates, err := users.ListUsers(ctx, orgID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list users: %w", err)
	}
	for _, user := range candidates {
		if strings.EqualFold(strings.TrimSpace(user.DisplayName), name) {
			return Resolution{Resolved: true, UserID: user.ID}, nil
		}
	}
	return Resolution{}, nil
}
