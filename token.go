package dok

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 8 * time.Hour

	tokenIssuer     = "doctor-dok"
	audienceAccess  = "access"
	audienceRefresh = "refresh"
)

// TokenClaims are the standard-zone JWT claims. The embedded key hashes are
// re-validated against the registry on every request; a signed token is
// never trusted on its own.
type TokenClaims struct {
	DatabaseIDHash string `json:"databaseIdHash"`
	KeyHash        string `json:"keyHash"`
	KeyLocatorHash string `json:"keyLocatorHash"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenIssuer mints and verifies the standard-zone bearer tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
}

// NewTokenIssuer builds an issuer from the server token secret.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, clock Clock) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// Issue mints an access + refresh token pair for a validated key record.
func (t *TokenIssuer) Issue(record *KeyRecord) (*TokenPair, error) {
	access, err := t.sign(record, audienceAccess, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.sign(record, audienceRefresh, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *TokenIssuer) sign(record *KeyRecord, audience string, ttl time.Duration) (string, error) {
	now := t.clock()
	claims := TokenClaims{
		DatabaseIDHash: record.DatabaseIDHash,
		KeyHash:        record.KeyHash,
		KeyLocatorHash: record.KeyLocatorHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccess verifies an access token. An expired-but-otherwise-valid
// token is reported distinctly so the caller can run its single refresh
// attempt.
func (t *TokenIssuer) VerifyAccess(token string) (*TokenClaims, bool, error) {
	claims, err := t.verify(token, audienceAccess)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, true, ErrUnauthorized
		}
		return nil, false, ErrUnauthorized
	}
	return claims, false, nil
}

// VerifyRefresh verifies a refresh token.
func (t *TokenIssuer) VerifyRefresh(token string) (*TokenClaims, error) {
	claims, err := t.verify(token, audienceRefresh)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (t *TokenIssuer) verify(token, audience string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(func() time.Time { return t.clock() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.DatabaseIDHash == "" || claims.KeyHash == "" || claims.KeyLocatorHash == "" {
		return nil, errors.New("incomplete token claims")
	}
	return claims, nil
}
