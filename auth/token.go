package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/menmos/menmos/errors"
)

// Tokens are HMAC-SHA256 signed payloads keyed by the cluster encryption
// key. Three payload shapes exist: user sessions, storage node
// identities, and per-blob grants.

type GrantOp string

const (
	GrantRead  GrantOp = "read"
	GrantWrite GrantOp = "write"
)

type sessionClaims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

type nodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

type grantClaims struct {
	BlobID string  `json:"blob_id"`
	Op     GrantOp `json:"op"`
	jwt.RegisteredClaims
}

func (s *Service) signToken(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", errors.Wrap(err, errors.KindStorageFailure, "token signing failed")
	}
	return token, nil
}

func (s *Service) parseToken(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return errors.ErrInvalidSession
	}
	return nil
}

func stamped(ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}
