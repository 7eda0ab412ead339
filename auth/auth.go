// Package auth exchanges the shared admin secret for a session token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"haven/middleware"
	"haven/utils"
)

type Handler struct {
	Tokens *middleware.AdminAuth
	// PasswordHash (bcrypt) wins over Password when both are set.
	PasswordHash string
	Password     string
	Now          func() time.Time
}

func (h *Handler) check(password string) bool {
	if h.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.PasswordHash), []byte(password)) == nil
	}
	if h.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.Password), []byte(password)) == 1
}

// Login serves POST /api/admin/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var input struct {
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(r, &input); err != nil || input.Password == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Password is required", utils.CodeValidation)
		return
	}
	if !h.check(input.Password) {
		log.WithField("ip", utils.ClientIP(r)).Warn("admin login rejected")
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid password", utils.CodeUnauthorized)
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	token, exp, err := h.Tokens.Issue("admin", now())
	if err != nil {
		log.WithError(err).Error("issue admin token")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to generate token", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"token": token, "expires_at": exp.UTC()})
}
