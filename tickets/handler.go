package tickets

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/models"
	"haven/utils"
)

type Handler struct {
	Store    ledger.Store
	Signer   *Signer
	SiteName string
}

// Download serves GET /api/registrations/:id/ticket?t=<link token>.
// Only settled registrations have a ticket.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !h.Signer.ValidLink(id, r.URL.Query().Get("t")) {
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid ticket link", utils.CodeUnauthorized)
		return
	}
	reg, err := h.Store.GetRegistration(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && !reg.Settled()) {
		utils.RespondWithError(w, http.StatusNotFound, "Ticket not found", utils.CodeNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("registration", id).Error("load registration for ticket")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load ticket", utils.CodeInternal)
		return
	}
	ev, err := h.Store.GetEvent(r.Context(), reg.EventID)
	if err != nil {
		log.WithError(err).WithField("event", reg.EventID).Error("load event for ticket")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load ticket", utils.CodeInternal)
		return
	}
	if reg.TicketCode == "" {
		reg.TicketCode = Code(reg.ID)
	}

	pdf, err := Render(h.SiteName, ev, reg, h.Signer.Payload(reg.ID, ev.ID, reg.TicketCode))
	if err != nil {
		log.WithError(err).WithField("registration", id).Error("render ticket")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to generate ticket", utils.CodeInternal)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=ticket-"+reg.TicketCode+".pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// Verify serves POST /api/admin/tickets/verify for the door scanner.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Payload string `json:"payload"`
	}
	if err := utils.DecodeJSON(r, &body); err != nil || body.Payload == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "payload is required", utils.CodeValidation)
		return
	}
	regID, eventID, code, err := h.Signer.Verify(body.Payload)
	if err != nil {
		utils.RespondWithJSON(w, http.StatusOK, utils.M{"success": true, "valid": false, "reason": "signature"})
		return
	}
	reg, err := h.Store.GetRegistration(r.Context(), regID)
	if errors.Is(err, ledger.ErrNotFound) {
		utils.RespondOK(w, utils.M{"valid": false, "reason": "unknown registration"})
		return
	}
	if err != nil {
		log.WithError(err).WithField("registration", regID).Error("verify ticket")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not verify ticket", utils.CodeInternal)
		return
	}
	if reg.EventID != eventID || !reg.Settled() {
		utils.RespondOK(w, utils.M{"valid": false, "reason": "not admitted", "payment_status": reg.PaymentStatus})
		return
	}
	utils.RespondOK(w, utils.M{
		"valid":          true,
		"code":           code,
		"name":           reg.Name,
		"adults":         reg.Adults,
		"kids":           reg.Kids,
		"payment_status": reg.PaymentStatus,
		"check_due":      reg.PaymentStatus == models.PaymentPendingCheck,
	})
}
