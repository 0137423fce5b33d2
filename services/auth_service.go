package services

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
)

const tokenIssuer = "threadline"

// AuthService issues and checks the access tokens feed connections present.
//
// Identity itself lives elsewhere; the server only needs to know that a
// token was signed with its secret and has not expired.
type AuthService interface {
	IssueToken(user models.User) (string, error)
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
}

type authService struct {
	jwtSecret []byte
	expiry    time.Duration
	clock     clock.Clock
	parser    *jwt.Parser
}

// NewAuthService returns an HS256 AuthService.
func NewAuthService(jwtSecret string, expiry time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		jwtSecret: []byte(jwtSecret),
		expiry:    expiry,
		clock:     clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithTimeFunc(clk.Now),
		),
	}
}

// IssueToken signs an access token for user.
func (s *authService) IssueToken(user models.User) (string, error) {
	if err := user.Validate(); err != nil {
		return "", err
	}

	now := s.clock.Now()
	claims := &models.TokenClaims{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// ValidateAccessToken checks the signature and expiry of tokenString and
// returns its claims.
func (s *authService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}
	return claims, nil
}
