// Package token mints and verifies the short-lived HS256 tokens that
// sandboxes present to the proxy.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyErrorKind classifies verification failures. Expired tokens get
// their own proxy error code; everything else is invalid.
type VerifyErrorKind string

const (
	KindExpired VerifyErrorKind = "EXPIRED"
	KindInvalid VerifyErrorKind = "INVALID"
)

// VerifyError is a classified verification failure.
type VerifyError struct {
	Kind   VerifyErrorKind
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("token %s: %s", e.Kind, e.Reason)
}

// Claims is the proxy token payload.
type Claims struct {
	SandboxID string `json:"sandboxId"`
	SessionID string `json:"sessionId,omitempty"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Secret    string
	SandboxID string
	SessionID string
	// ExpiresIn accepts "{n}m", "{n}h", "{n}d" or bare seconds.
	// Empty defaults to 2h; "0" mints an already-expired token.
	ExpiresIn string
}

const defaultTTL = 2 * time.Hour

// ParseExpiresIn converts the duration grammar to a time.Duration.
func ParseExpiresIn(s string) (time.Duration, error) {
	if s == "" {
		return defaultTTL, nil
	}
	unit := time.Duration(0)
	digits := s
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
		digits = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		digits = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		digits = s[:len(s)-1]
	default:
		unit = time.Second
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid expiresIn %q", s)
	}
	return time.Duration(n) * unit, nil
}

type jwtClaims struct {
	SandboxID string `json:"sandboxId"`
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// Create signs a new proxy token.
func Create(params CreateParams) (string, error) {
	if params.Secret == "" {
		return "", errors.New("secret must not be empty")
	}
	if params.SandboxID == "" {
		return "", errors.New("sandboxId must not be empty")
	}
	ttl, err := ParseExpiresIn(params.ExpiresIn)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwtClaims{
		SandboxID: params.SandboxID,
		SessionID: params.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(params.Secret))
}

// Verify checks the signature, algorithm and claim shape, returning the
// payload. Failures come back as *VerifyError so the proxy can map
// EXPIRED and INVALID to distinct codes.
func Verify(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, &VerifyError{Kind: KindInvalid, Reason: "secret must not be empty"}
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Kind: KindExpired, Reason: "token has expired"}
		}
		return nil, &VerifyError{Kind: KindInvalid, Reason: err.Error()}
	}
	if !parsed.Valid {
		return nil, &VerifyError{Kind: KindInvalid, Reason: "token is not valid"}
	}
	if claims.SandboxID == "" {
		return nil, &VerifyError{Kind: KindInvalid, Reason: "missing sandboxId claim"}
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, &VerifyError{Kind: KindInvalid, Reason: "missing exp or iat claim"}
	}

	return &Claims{
		SandboxID: claims.SandboxID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
	}, nil
}
