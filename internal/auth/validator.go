// Package auth defines the token-validation boundary. The monitoring
// pipeline treats validation as an opaque, potentially-failing call
// backed by the external identity provider; any validation error fails
// closed as an authentication rejection, with no internal retry.
package auth

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	jwtpkg "github.com/caretide/fhirgate/pkg/jwt"
)

// ErrInvalidToken is returned for any credential that does not validate.
var ErrInvalidToken = errors.New("invalid token")

// Validator checks a bearer credential.
type Validator interface {
	Validate(ctx context.Context, token string) error
}

// JWTValidator validates locally-issued HS256 tokens.
type JWTValidator struct {
	secret string
	logger *slog.Logger
}

// NewJWTValidator constructs a validator for the given signing secret.
func NewJWTValidator(secret string, logger *slog.Logger) *JWTValidator {
	if logger != nil {
		logger = logger.With("component", "token_validator")
	}
	return &JWTValidator{secret: secret, logger: logger}
}

// Validate parses and verifies the token. Any failure maps to
// ErrInvalidToken so callers cannot distinguish failure modes.
func (v *JWTValidator) Validate(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}
	if _, err := jwtpkg.Parse(token, v.secret); err != nil {
		if v.logger != nil {
			v.logger.Debug("token rejected", "error", err)
		}
		return ErrInvalidToken
	}
	return nil
}
