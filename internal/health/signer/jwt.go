// Package signer adapts golang-jwt HS256 tokens to detached payload signatures.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/gatekeeper/internal/config"
)

const issuer = "gatekeeper.support-bundle"

type claims struct {
	Digest string `json:"sha256"`
	jwt.RegisteredClaims
}

type JWTSigner struct {
	key []byte
	now func() time.Time
}

// New returns nil when no signing key is configured.
func New(cfg config.Config) *JWTSigner {
	key := strings.TrimSpace(cfg.SupportBundleSigningKey)
	if key == "" {
		return nil
	}
	return NewWithKey([]byte(key), time.Now)
}

func NewWithKey(key []byte, now func() time.Time) *JWTSigner {
	return &JWTSigner{key: key, now: now}
}

// Sign returns an HS256 token whose claims bind the payload digest.
func (s *JWTSigner) Sign(payload []byte) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", errors.New("signer not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Digest: digest(payload),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	})
	return token.SignedString(s.key)
}

func (s *JWTSigner) Verify(payload []byte, signature string, key []byte) bool {
	var parsed claims
	token, err := jwt.ParseWithClaims(signature, &parsed, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return false
	}
	return parsed.Digest == digest(payload)
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
