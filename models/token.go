package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the claims of an access token. The subject user id is
// duplicated in UserID so clients can read it without knowing the
// registered claim names.
type TokenClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}
