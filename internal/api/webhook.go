package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrWebhookUnauthorized is returned when a fulfillment webhook fails
// validation.
var ErrWebhookUnauthorized = errors.New("webhook unauthorized")

// WebhookValidator authenticates inbound marketplace fulfillment calls.
type WebhookValidator interface {
	ValidateWebhook(r *http.Request) error
}

// BearerTokenValidator accepts requests carrying a shared bearer token.
// An empty token rejects everything.
type BearerTokenValidator struct {
	Token string
}

func (v BearerTokenValidator) ValidateWebhook(r *http.Request) error {
	if v.Token == "" {
		return fmt.Errorf("%w: no webhook token configured", ErrWebhookUnauthorized)
	}
	token, err := bearerToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrWebhookUnauthorized)
	}
	return nil
}

// JWTValidator accepts HS256 bearer tokens signed with Secret. Expiry is
// enforced when the token carries an exp claim.
type JWTValidator struct {
	Secret []byte
}

func (v JWTValidator) ValidateWebhook(r *http.Request) error {
	if len(v.Secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrWebhookUnauthorized)
	}
	tokenStr, err := bearerToken(r)
	if err != nil {
		return err
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrWebhookUnauthorized, err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrWebhookUnauthorized)
	}
	return strings.TrimSpace(parts[1]), nil
}

func requireWebhook(v WebhookValidator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if v == nil {
			err = fmt.Errorf("%w: no validator configured", ErrWebhookUnauthorized)
		} else {
			err = v.ValidateWebhook(r)
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("path", r.URL.Path).
				Msg("Invalid marketplace webhook authentication")
			writeErrorResponse(w, r, http.StatusUnauthorized, "unauthorized",
				"Invalid or missing webhook authentication", nil)
			return
		}
		next(w, r)
	}
}
