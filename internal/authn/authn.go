// SPDX-License-Identifier: MIT

// Package authn validates compact JWS tokens against the configured key set
// and yields the account identity they carry.
package authn

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgeroom/presence/internal/agent"
	"github.com/edgeroom/presence/internal/config"
)

// ErrUnknownAudience is returned when a token names an audience the key set
// does not cover.
var ErrUnknownAudience = errors.New("token audience is not in the key set")

type claims struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	jwt.RegisteredClaims
}

// Verifier decodes tokens with per-audience keys.
type Verifier struct {
	keys map[string]verifyKey
}

type verifyKey struct {
	algorithm string
	key       any
}

// NewVerifier parses the configured key material eagerly so startup fails on
// broken keys rather than the first connection.
func NewVerifier(cfg map[string]config.AuthnKey) (*Verifier, error) {
	keys := make(map[string]verifyKey, len(cfg))
	for audience, kc := range cfg {
		material := []byte(kc.Key)
		if kc.KeyFile != "" {
			data, err := os.ReadFile(kc.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("read key for audience %q: %w", audience, err)
			}
			material = data
		}

		parsed, err := parseKey(kc.Algorithm, material)
		if err != nil {
			return nil, fmt.Errorf("parse key for audience %q: %w", audience, err)
		}
		keys[audience] = verifyKey{algorithm: kc.Algorithm, key: parsed}
	}
	return &Verifier{keys: keys}, nil
}

func parseKey(algorithm string, material []byte) (any, error) {
	switch algorithm {
	case "HS256", "HS384", "HS512":
		return material, nil
	case "ES256", "ES384", "ES512":
		return jwt.ParseECPublicKeyFromPEM(material)
	case "RS256", "RS384", "RS512":
		return jwt.ParseRSAPublicKeyFromPEM(material)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

// VerifyToken decodes the compact JWS and returns the account it asserts.
func (v *Verifier) VerifyToken(token string) (agent.AccountID, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		vk, ok := v.keys[c.Audience]
		if !ok {
			return nil, ErrUnknownAudience
		}
		if t.Method.Alg() != vk.algorithm {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return vk.key, nil
	})
	if err != nil {
		return agent.AccountID{}, fmt.Errorf("decode token: %w", err)
	}

	if c.Subject == "" || c.Audience == "" {
		return agent.AccountID{}, errors.New("token misses sub or aud claim")
	}
	return agent.NewAccountID(c.Subject, c.Audience), nil
}
