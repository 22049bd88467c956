package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// User is the authenticated caller as seen by the mind-map core.
type User struct {
	ID       uuid.UUID
	Email    string
	Name     string
	Approved bool
}

// UserFromClaims converts token claims into a User.
func UserFromClaims(claims *Claims) (User, error) {
	if claims == nil {
		return User{}, fmt.Errorf("authentication required: no claims")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return User{}, fmt.Errorf("invalid user ID in token subject: %w", err)
	}
	return User{ID: id, Email: claims.Email, Name: claims.Name, Approved: claims.Approved}, nil
}

// CurrentUser returns the authenticated user stored in the request context.
func CurrentUser(ctx context.Context) (User, error) {
	claims, ok := GetClaims(ctx)
	if !ok {
		return User{}, fmt.Errorf("authentication required: no claims in context")
	}
	return UserFromClaims(claims)
}
