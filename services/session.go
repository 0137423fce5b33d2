package services

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
)

// Identity is who the client acts as. The zero Identity means signed out.
type Identity struct {
	UserID      string
	DisplayName string
	Token       string
}

// SignedIn reports whether the identity belongs to a user.
func (i Identity) SignedIn() bool {
	return i.UserID != ""
}

// Session holds the client's current identity.
//
// The client never holds the signing secret, so SignIn only reads the claims
// of the token; the feed server verifies the signature when the token is
// presented on connect.
type Session struct {
	current *stream.Subject[Identity]
	parser  *jwt.Parser
}

// NewSession returns a signed out Session.
func NewSession() *Session {
	s := &Session{
		current: stream.NewDistinctSubject[Identity](),
		parser:  jwt.NewParser(),
	}
	s.current.Publish(Identity{})
	return s
}

// SignIn switches the session to the user named by token.
func (s *Session) SignIn(token string) (Identity, error) {
	claims := &models.TokenClaims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed token", pkg.ErrUnauthorized)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token names no user", pkg.ErrUnauthorized)
	}

	id := Identity{UserID: userID, DisplayName: claims.DisplayName, Token: token}

	s.current.Publish(id)
	return id, nil
}

// SignOut clears the identity.
func (s *Session) SignOut() {
	s.current.Publish(Identity{})
}

// Current returns the identity in effect.
func (s *Session) Current() Identity {
	id, _ := s.current.Latest()
	return id
}

// Identity streams identity changes, starting with the current one.
func (s *Session) Identity() stream.Stream[Identity] {
	return s.current
}
