package escalation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// ResolutionClaims bind a reviewer token to a single case. The case id
// rides in the standard subject claim.
type ResolutionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer mints and verifies resolution tokens. The HS256 key is
// derived from the seed, never stored directly.
type TokenIssuer struct {
	key   []byte
	clock func() time.Time
}

var ErrSeedTooShort = errors.New("escalation: token seed must be at least 16 bytes")

// NewTokenIssuer derives a signing key from seed.
func NewTokenIssuer(seed []byte) (*TokenIssuer, error) {
	if len(seed) < 16 {
		return nil, ErrSeedTooShort
	}
	r := hkdf.New(sha256.New, seed, []byte("gap-escalation-kdf"), []byte("resolution-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("escalation: derive token key: %w", err)
	}
	return &TokenIssuer{key: key, clock: time.Now}, nil
}

// Issue creates a signed token that authorizes resolving caseID.
func (ti *TokenIssuer) Issue(caseID, role string, ttl time.Duration) (string, error) {
	now := ti.clock().UTC()
	claims := ResolutionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   caseID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "gap/escalation",
			Audience:  jwt.ClaimStrings{"gap.internal"},
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
}

// Verify parses and validates a resolution token.
func (ti *TokenIssuer) Verify(tokenString string) (*ResolutionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ResolutionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("escalation: unexpected signing method %q", t.Method.Alg())
		}
		return ti.key, nil
	}, jwt.WithIssuer("gap/escalation"), jwt.WithAudience("gap.internal"))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ResolutionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
