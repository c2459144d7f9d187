// Package auth verifies the bearer credential presented when a relay
// connection is opened and turns it into an identity.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("auth disabled")
)

// Identity is what a verified credential tells the relay about its holder.
type Identity struct {
	UserID      string
	Role        string
	DisplayName string
}

// Verifier validates an opaque bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config configures the verifier.
type Config struct {
	JWTSecret string     `yaml:"jwt_secret" env:"RELAY_JWT_SECRET"`
	Issuer    string     `yaml:"issuer" env:"RELAY_JWT_ISSUER"`
	APITokens []APIToken `yaml:"api_tokens"`
}

// APIToken declares a static token and the identity it stands for.
type APIToken struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
	Name   string `yaml:"name"`
}

// Service validates JWTs and static API tokens.
type Service struct {
	jwt    *JWTService
	tokens map[string]Identity
}

// NewService constructs a verifier from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{tokens: map[string]Identity{}}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.Issuer, 0)
	}
	for _, entry := range cfg.APITokens {
		token := strings.TrimSpace(entry.Token)
		userID := strings.TrimSpace(entry.UserID)
		if token == "" || userID == "" {
			continue
		}
		service.tokens[token] = Identity{
			UserID:      userID,
			Role:        defaultRole(entry.Role),
			DisplayName: strings.TrimSpace(entry.Name),
		}
	}
	return service
}

// Enabled reports whether any credential source is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.tokens) > 0)
}

// Verify checks static tokens first, then JWTs.
func (s *Service) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if !s.Enabled() {
		return Identity{}, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	// Every stored token is compared so timing does not reveal a partial match.
	var matched *Identity
	for stored, identity := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(stored)) == 1 {
			id := identity
			matched = &id
		}
	}
	if matched != nil {
		return *matched, nil
	}

	if s.jwt == nil {
		return Identity{}, ErrInvalidToken
	}
	return s.jwt.Validate(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func defaultRole(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return "user"
	}
	return role
}

// DefaultTokenExpiry is used by the token CLI when no expiry is given.
const DefaultTokenExpiry = 24 * time.Hour
