package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the canon services expect. Kind is the
// load-bearing claim: it decides whether the bearer may approve the
// human-only tiers.
type Claims struct {
	jwt.RegisteredClaims
	Kind    ActorKind `json:"kind"`
	Display string    `json:"display,omitempty"`
}

// Verifier turns bearer tokens into actors.
type Verifier struct {
	keys KeySet
}

// NewVerifier wires a verifier to a key set.
func NewVerifier(keys KeySet) *Verifier {
	return &Verifier{keys: keys}
}

// Verify parses and validates a token and returns the actor it asserts.
func (v *Verifier) Verify(tokenStr string) (Actor, error) {
	if v == nil || v.keys == nil {
		return Actor{}, fmt.Errorf("verifier uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keys.KeyFunc())
	if err != nil {
		return Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Actor{}, fmt.Errorf("token subject is required")
	}
	if !claims.Kind.Valid() {
		return Actor{}, fmt.Errorf("token kind %q is not a known actor kind", claims.Kind)
	}

	return Actor{ID: claims.Subject, Kind: claims.Kind, Display: claims.Display}, nil
}

// Issue signs a token asserting the given actor. Used by tests and
// provisioning tools.
func Issue(ctx context.Context, keys KeySet, actor Actor, ttl time.Duration) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:    actor.Kind,
		Display: actor.Display,
	}
	return keys.Sign(ctx, claims)
}
