package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultStateTTL = 15 * time.Minute

var (
	errMissingStateSecret = errors.New("state signing secret must be provided")
	errMissingStateUser   = errors.New("state user must be provided")
)

// StateCodecConfig configures the OAuth state parameter codec.
type StateCodecConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// StateCodec signs and validates the state round-tripped through the
// authorization redirect, binding the callback to a user and return path.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewStateCodec(cfg StateCodecConfig) (*StateCodec, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingStateSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateCodec{secret: cfg.SigningSecret, ttl: ttl, clock: clock}, nil
}

type stateClaims struct {
	jwt.RegisteredClaims
	ReturnPath string `json:"return_path,omitempty"`
}

// Issue produces a short-lived signed state value for the user.
func (c *StateCodec) Issue(user, returnPath string) (string, error) {
	if user == "" {
		return "", errMissingStateUser
	}
	now := c.clock().UTC()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		ReturnPath: returnPath,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Validate checks the callback state and returns the bound user and return
// path.
func (c *StateCodec) Validate(state string) (string, string, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(
		state,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return c.secret, nil
		},
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingStateUser
	}
	return claims.Subject, claims.ReturnPath, nil
}
