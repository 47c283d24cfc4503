package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultJWTIssuer = "realtimechat-auth"

var defaultJWTLeeway = 30 * time.Second

// JWTSessionStore issues HS256 session tokens. Sign-out revokes a token by
// jti; deleting an account revokes every token issued to its user so far.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	leeway  time.Duration
	revoker TokenRevoker
}

// NewJWTSessionStore builds a JWT session store. A nil revoker makes
// DeleteSession and RevokeUserSessions no-ops.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker) (*JWTSessionStore, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTSessionStore{
		secret:  []byte(secret),
		ttl:     ttl,
		issuer:  defaultJWTIssuer,
		leeway:  defaultJWTLeeway,
		revoker: revoker,
	}, nil
}

// NewSession creates a signed JWT for the user ID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	jti, err := randomHexID(12)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        jti,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// GetUserIDByToken validates a JWT and returns the subject.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return "", false, err
	}
	if s.revoker != nil {
		var issuedAt time.Time
		if claims.IssuedAt != nil {
			issuedAt = claims.IssuedAt.Time
		}
		revoked, err := s.revoker.Revoked(claims.ID, claims.Subject, issuedAt)
		if err != nil {
			return "", false, err
		}
		if revoked {
			return "", false, fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes the token until it expires. Unparseable tokens are
// ignored since they can never authenticate anyway.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.RevokeSession(claims.ID, claims.ExpiresAt.Time)
}

// RevokeUserSessions invalidates every token issued to userID until now.
// Issue times have second precision, so a token minted in the same second
// is revoked too.
func (s *JWTSessionStore) RevokeUserSessions(userID string) error {
	if s.revoker == nil || strings.TrimSpace(userID) == "" {
		return nil
	}
	now := time.Now()
	return s.revoker.RevokeUser(userID, now, now.Add(s.ttl+s.leeway))
}

func (s *JWTSessionStore) parseAndVerify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return claims, nil
}

func randomHexID(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
