package auth

import (
	"errors"
	"fmt"
	"time"

	"consult-chat/internal/config"
	"consult-chat/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("token signing is not configured")
)

// Service resolves the session identity carried by a bearer token.
type Service struct {
	cfg config.JWTConfig
}

func NewService(cfg config.JWTConfig) *Service {
	return &Service{cfg: cfg}
}

// Required reports whether connections without a token are refused.
func (s *Service) Required() bool {
	return s.cfg.Required
}

func (s *Service) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	if s.cfg.Secret == "" {
		return nil, ErrNoSecret
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identity validates tokenString and returns the user it names.
func (s *Service) Identity(tokenString string) (*models.Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	return identityFromClaims(claims)
}

// PeekIdentity reads the identity claims without checking the signature.
// Clients use it to label their own messages; servers must use Identity.
func PeekIdentity(tokenString string) (*models.Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (*models.Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	identity := &models.Identity{UserID: sub}
	identity.Name, _ = claims["name"].(string)
	identity.Email, _ = claims["email"].(string)
	identity.AccountType, _ = claims["account_type"].(string)
	return identity, nil
}

// IssueToken signs a token for identity. Used by development tooling.
func (s *Service) IssueToken(identity models.Identity) (string, error) {
	if s.cfg.Secret == "" {
		return "", ErrNoSecret
	}

	claims := jwt.MapClaims{
		"sub":          identity.UserID,
		"name":         identity.Name,
		"email":        identity.Email,
		"account_type": identity.AccountType,
		"exp":          time.Now().Add(s.cfg.ExpiresIn).Unix(),
		"iat":          time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.Secret))
}
