package registrations

import (
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/models"
	"haven/utils"
)

// summary totals what a list of registrations represents at the door.
type summary struct {
	Parties   int     `json:"parties"`
	Adults    int     `json:"adults"`
	Kids      int     `json:"kids"`
	Collected float64 `json:"collected"`
	Pending   float64 `json:"pending_checks"`
}

func summarize(list []models.EventRegistration) summary {
	var s summary
	for _, r := range list {
		if !r.Settled() {
			continue
		}
		s.Parties++
		s.Adults += r.Adults
		s.Kids += r.Kids
		switch r.PaymentStatus {
		case models.PaymentSuccess:
			s.Collected += r.Subtotal
		case models.PaymentPendingCheck:
			s.Pending += r.Subtotal
		}
	}
	return s
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, f ledger.RegistrationFilter) {
	list, err := h.Store.ListRegistrations(r.Context(), f)
	if err != nil {
		log.WithError(err).Error("list registrations")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load registrations", utils.CodeInternal)
		return
	}
	if list == nil {
		list = []models.EventRegistration{}
	}
	for i := range list {
		list[i].Guests = list[i].GuestList()
	}
	utils.RespondOK(w, utils.M{"registrations": list, "count": len(list), "summary": summarize(list)})
}

// List serves GET /api/admin/registrations?event_id=&status=&q=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	h.list(w, r, ledger.RegistrationFilter{
		EventID: q.Get("event_id"),
		Status:  q.Get("status"),
		Query:   strings.TrimSpace(q.Get("q")),
		Limit:   utils.QueryInt(r, "limit", 200),
	})
}

// ListForEvent serves GET /api/admin/events/:id/registrations.
func (h *Handler) ListForEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, err := h.Store.GetEvent(r.Context(), ps.ByName("id")); errors.Is(err, ledger.ErrNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Event not found", utils.CodeNotFound)
		return
	}
	h.list(w, r, ledger.RegistrationFilter{
		EventID: ps.ByName("id"),
		Status:  r.URL.Query().Get("status"),
		Limit:   utils.QueryInt(r, "limit", 500),
	})
}

// MarkCheckReceived settles a pay-by-check registration once staff have the check.
func (h *Handler) MarkCheckReceived(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	reg, err := h.Store.GetRegistration(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Registration not found", utils.CodeNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("registration", id).Error("load registration")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load registration", utils.CodeInternal)
		return
	}
	if reg.PaymentStatus != models.PaymentPendingCheck {
		utils.RespondWithError(w, http.StatusConflict, "Registration is not awaiting a check", utils.CodeConflict)
		return
	}
	if err := h.Store.UpdateRegistration(r.Context(), id, ledger.Patch{"payment_status": models.PaymentSuccess}); err != nil {
		log.WithError(err).WithField("registration", id).Error("mark check received")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not update registration", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"registration_id": id, "payment_status": models.PaymentSuccess})
}
