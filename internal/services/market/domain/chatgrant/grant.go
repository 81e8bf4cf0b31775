// Package chatgrant issues and verifies the short-lived tokens that admit a
// wallet address into one deal's chat room.
package chatgrant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/platform/id"
)

const issuer = "apsl-market"

// DefaultTTL is how long an issued grant stays valid.
const DefaultTTL = 24 * time.Hour

// Config defines how grants are signed and verified.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Claims captures validated grant claims.
type Claims struct {
	ChatID    string
	Address   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type grantClaims struct {
	jwt.RegisteredClaims
	ChatID string `json:"chat_id"`
}

// Signer signs and verifies chat grants with HS256.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner builds a signer. An empty secret yields a nil signer, which
// leaves chat rooms open.
func NewSigner(cfg Config) *Signer {
	if len(cfg.Secret) == 0 {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Signer{secret: cfg.Secret, ttl: cfg.TTL, now: cfg.Now}
}

// Enabled reports whether grants are required.
func (s *Signer) Enabled() bool {
	return s != nil
}

// Issue signs a grant binding address to chatID.
func (s *Signer) Issue(chatID string, address string) (string, error) {
	if s == nil {
		return "", errors.New("chat grant signer is not configured")
	}
	chatID = strings.TrimSpace(chatID)
	address = strings.TrimSpace(address)
	if chatID == "" || address == "" {
		return "", errors.New("chat id and address are required")
	}
	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate grant id: %w", err)
	}
	now := s.now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   address,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		ChatID: chatID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign chat grant: %w", err)
	}
	return signed, nil
}

// Verify validates grant and checks that it was issued for chatID.
func (s *Signer) Verify(grant string, chatID string) (Claims, error) {
	if s == nil {
		return Claims{}, errors.New("chat grant signer is not configured")
	}
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeChatTokenInvalid, "chat token is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, apperrors.New(apperrors.CodeChatTokenInvalid, "chat token subject is required")
	}
	if parsed.ChatID == "" || parsed.ChatID != strings.TrimSpace(chatID) {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeChatTokenInvalid,
			"chat token chat mismatch",
			map[string]string{"Field": "chat_id"},
		)
	}

	claims := Claims{
		ChatID:    parsed.ChatID,
		Address:   parsed.Subject,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeChatTokenInvalid, "chat token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeChatTokenInvalid, "chat token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperrors.Wrap(apperrors.CodeChatTokenInvalid, "chat token issuer mismatch", err)
	default:
		return apperrors.Wrap(apperrors.CodeChatTokenInvalid, "chat token is invalid", err)
	}
}
