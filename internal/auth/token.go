// ABOUTME: JWT claim handling for bearer credentials
// ABOUTME: Reads identity from user_id/sub claims and signs HS256 tokens for the dev backend

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/convosync/internal/message"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// IdentityFromToken extracts the user identity from a JWT without verifying
// its signature.
func IdentityFromToken(tokenString string) (message.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return message.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (message.Identity, error) {
	id := claimString(claims["user_id"])
	if id == "" {
		id = claimString(claims["sub"])
	}
	if id == "" {
		return message.Identity{}, fmt.Errorf("%w: user_id or sub", ErrMissingClaim)
	}
	return message.Identity{
		ID:       id,
		Username: claimString(claims["username"]),
	}, nil
}

// claimString accepts string and numeric claim values; backends differ on
// whether user ids are integers.
func claimString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

// JWTSigner issues and verifies HS256 tokens
type JWTSigner struct {
	secret []byte
}

// NewJWTSigner creates a signer with the given secret
func NewJWTSigner(secret []byte) *JWTSigner {
	return &JWTSigner{secret: secret}
}

// Verify validates the token signature and expiry and returns its identity
func (s *JWTSigner) Verify(tokenString string) (message.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return message.Identity{}, ErrExpiredToken
		}
		return message.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return message.Identity{}, ErrInvalidToken
	}
	return identityFromClaims(claims)
}

// Generate creates a token for the identity that expires after expiresIn
func (s *JWTSigner) Generate(who message.Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":  who.ID,
		"sub":      who.ID,
		"username": who.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
