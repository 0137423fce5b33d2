package models

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/store"
)

// UsersCollection holds user profiles.
const UsersCollection = "users"

// User is a user profile.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// UserPath is the path of a user's profile.
func UserPath(id string) string {
	return store.Join(UsersCollection, id)
}

// Name is the display name, or the id when the profile has none.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// Fields is the document form of the profile.
func (u User) Fields() store.Fields {
	return store.Fields{FieldDisplay: u.DisplayName}
}

// Validate trims and checks the profile.
func (u *User) Validate() error {
	if u.ID == "" || strings.Contains(u.ID, "/") {
		return fmt.Errorf("%w: invalid user id %q", pkg.ErrBadRequest, u.ID)
	}
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	if utf8.RuneCountInString(u.DisplayName) > 64 {
		return fmt.Errorf("%w: display name must be at most 64 characters", pkg.ErrBadRequest)
	}
	return nil
}

// UserFromDocument decodes a profile document.
func UserFromDocument(doc store.Document) User {
	u := User{ID: doc.ID}
	u.DisplayName, _ = doc.Fields[FieldDisplay].(string)
	return u
}
