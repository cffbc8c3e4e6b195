package owner

import (
	"context"

	"github.com/pkg/errors"
)

type contextKey string

var (
	userKey = contextKey("owner")
)

// Owner is the authenticated operator
type Owner struct {
	Name  string
	Admin bool
}

// ToCtx creates a context containing the owner
func (u *Owner) ToCtx(in context.Context) context.Context {
	return context.WithValue(in, userKey, *u)
}

// FromJWT reads the owner claim, and the optional admin claim
func FromJWT(claims map[string]interface{}) (*Owner, error) {
	var isAdmin bool

	val, ok := claims["owner"]
	if !ok {
		return nil, errors.New("Missing owner in JWT claims")
	}

	name, ok := val.(string)
	if !ok || name == "" {
		return nil, errors.New("JWT owner claim is not a string")
	}

	val, ok = claims["admin"]
	if ok {
		isAdmin, ok = val.(bool)
		if !ok {
			return nil, errors.New("JWT admin value not valid")
		}
	}

	return &Owner{
		Name:  name,
		Admin: isAdmin,
	}, nil
}

// FromCtx extracts the owner from a context
func FromCtx(ctx context.Context) (*Owner, error) {
	u, ok := ctx.Value(userKey).(Owner)
	if !ok {
		return nil, errors.New("No owner in this context")
	}

	return &u, nil
}

// Operator names the owner in run metadata
func (u *Owner) Operator() string {
	if u.Admin {
		return u.Name + " (admin)"
	}
	return u.Name
}
