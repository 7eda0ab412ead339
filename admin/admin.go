// Package admin holds the staff-only lookups that span donations and
// registrations, and the public contact form that alerts staff.
package admin

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/notify"
	"haven/utils"
)

type Handler struct {
	Store      ledger.Store
	Sink       notify.Sink
	Detached   *notify.Dispatcher
	AdminEmail string
}

// People serves GET /api/admin/people?q=&limit=
func (h *Handler) People(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	people, err := h.Store.SearchPeople(r.Context(), q, utils.QueryInt(r, "limit", 100))
	if err != nil {
		log.WithError(err).Error("search people")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not search people", utils.CodeInternal)
		return
	}
	if people == nil {
		people = []ledger.Person{}
	}
	utils.RespondOK(w, utils.M{"people": people, "count": len(people)})
}

const maxContactMessage = 5000

// Contact serves POST /api/contact. The alert goes out in the background;
// the visitor gets an answer either way.
func (h *Handler) Contact(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in struct {
		Name    string `json:"name"`
		Email   string `json:"email"`
		Message string `json:"message"`
	}
	if err := utils.DecodeJSON(r, &in); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Message = strings.TrimSpace(in.Message)
	switch {
	case in.Name == "":
		utils.RespondWithError(w, http.StatusBadRequest, "Name is required", utils.CodeValidation)
		return
	case !utils.ValidEmail(in.Email):
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid email format", utils.CodeValidation)
		return
	case in.Message == "":
		utils.RespondWithError(w, http.StatusBadRequest, "Message is required", utils.CodeValidation)
		return
	case len(in.Message) > maxContactMessage:
		utils.RespondWithError(w, http.StatusBadRequest, "Message is too long", utils.CodeValidation)
		return
	}

	if h.AdminEmail == "" {
		log.WithField("from", in.Email).Warn("contact form received but ADMIN_EMAIL is not set")
	} else {
		h.Detached.Email(h.Sink, notify.ContactFormAlert, notify.Payload{
			To:      h.AdminEmail,
			ReplyTo: in.Email,
			Name:    in.Name,
			Message: in.Message,
		})
	}
	utils.RespondOK(w, utils.M{"message": "Thanks, we will be in touch"})
}
