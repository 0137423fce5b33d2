package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/services"
	"github.com/akinalp/threadline/store"
)

// TokenHandler hands out access tokens in development, where there is no
// login flow. It is only routed when APP_ENV=development.
type TokenHandler struct {
	auth  services.AuthService
	store store.Store
	log   zerolog.Logger
}

// NewTokenHandler, constructor.
func NewTokenHandler(auth services.AuthService, s store.Store, log zerolog.Logger) *TokenHandler {
	return &TokenHandler{
		auth:  auth,
		store: s,
		log:   log.With().Str("component", "dev_token").Logger(),
	}
}

type issueTokenRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TokenResponse carries a freshly issued access token.
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	User        models.User `json:"user"`
}

// Issue godoc
// POST /api/dev/token
// Body: { "user_id": "u1", "display_name": "Ayşe" }
//
// Upserts the user's profile so they show up in the directory, then issues
// a token for them.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := models.User{ID: req.UserID, DisplayName: req.DisplayName}
	if err := user.Validate(); err != nil {
		pkg.Error(w, err)
		return
	}

	if err := h.store.WriteDocument(r.Context(), models.UserPath(user.ID), user.Fields(), true); err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to write profile")
		pkg.Error(w, err)
		return
	}

	token, err := h.auth.IssueToken(user)
	if err != nil {
		pkg.Error(w, err)
		return
	}

	h.log.Info().Str("user_id", user.ID).Msg("issued development token")
	pkg.JSON(w, http.StatusCreated, TokenResponse{AccessToken: token, User: user})
}
