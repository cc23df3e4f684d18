package auth

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim stamped on every minted token.
const Issuer = "RustyOps"

// signingKey derives the HMAC-SHA512 key from the user's stored
// password hash. The derivation is deterministic, so the key — and
// with it every outstanding token — rotates when the password changes.
func signingKey(passwordHash string) []byte {
	sum := sha512.Sum512([]byte(passwordHash))
	return sum[:]
}

// BuildToken mints an HS512 JWT for the user, valid for ttl.
func BuildToken(username, passwordHash string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   username,
		Audience:  jwt.ClaimStrings{username},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(signingKey(passwordHash))
	if err != nil {
		return "", ErrUnauthenticated
	}
	return signed, nil
}

// UnverifiedClaims extracts sub and exp from a token without checking
// the signature. Needed first: expiry must be reportable before the
// user's key is even known, and the key lookup itself needs sub.
func UnverifiedClaims(token string) (subject string, expiry time.Time, err error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", time.Time{}, ErrUnauthenticated
	}
	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return "", time.Time{}, ErrUnauthenticated
	}
	var claims struct {
		Sub string  `json:"sub"`
		Exp float64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Sub == "" {
		return "", time.Time{}, ErrUnauthenticated
	}
	return claims.Sub, time.Unix(int64(claims.Exp), 0), nil
}

// VerifyToken checks the signature and standard claims against the
// user's stored password hash and returns the subject.
func VerifyToken(token, passwordHash string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return signingKey(passwordHash), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrJwtTokenExpired
		}
		return "", ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}

// TokenExpiry returns the exp claim of a minted token. Agents use it
// to schedule renewal at a fraction of the token lifetime.
func TokenExpiry(token string) (time.Time, error) {
	_, expiry, err := UnverifiedClaims(token)
	return expiry, err
}
