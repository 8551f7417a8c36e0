// Package auth is the gateway's seam to the external identity service. The
// gateway never mints or stores credentials; it only turns a bearer token
// into a verified principal or a rejection.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken marks any token the verifier rejects.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified principal bound to a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier validates a bearer credential and returns the principal it was
// minted for.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier validates HS256 tokens minted by the external login service
// using the shared signing secret. Claims: sub (required, user id) and name
// (optional display name).
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name = "Guest"
	}

	return Identity{UserID: sub, DisplayName: name}, nil
}
