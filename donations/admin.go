package donations

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/utils"
)

// List serves GET /api/admin/donations?status=&recurring=&q=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	f := ledger.DonationFilter{
		Status: q.Get("status"),
		Query:  strings.TrimSpace(q.Get("q")),
		Limit:  utils.QueryInt(r, "limit", 100),
	}
	if v := q.Get("recurring"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "recurring must be true or false", utils.CodeValidation)
			return
		}
		f.Recurring = &b
	}
	list, err := h.Store.ListDonations(r.Context(), f)
	if err != nil {
		log.WithError(err).Error("list donations")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load donations", utils.CodeInternal)
		return
	}
	var total float64
	for _, d := range list {
		if d.PaymentStatus == models.PaymentSuccess {
			total += d.Amount
		}
	}
	utils.RespondOK(w, utils.M{"donations": list, "count": len(list), "total": total})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d, ok := h.load(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	utils.RespondOK(w, utils.M{"donation": d})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request, id string) (models.Donation, bool) {
	d, err := h.Store.GetDonation(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Donation not found", utils.CodeNotFound)
		return d, false
	}
	if err != nil {
		log.WithError(err).WithField("donation", id).Error("load donation")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load donation", utils.CodeInternal)
		return d, false
	}
	return d, true
}

// Refund returns the last successful charge in full.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d, ok := h.load(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	if d.PaymentStatus != models.PaymentSuccess || d.PaymentReference == "" {
		utils.RespondWithError(w, http.StatusConflict, "Only successful charges can be refunded", utils.CodeConflict)
		return
	}
	gw, err := h.Gateways.Select(d.Processor)
	if err != nil {
		respondGatewayUnavailable(w, err)
		return
	}
	result, err := gw.Refund(r.Context(), gateway.RefundRequest{
		TransactionID:  d.PaymentReference,
		Amount:         d.Amount,
		IdempotencyKey: "refund-" + d.ID + "-" + d.PaymentReference,
	})
	if err != nil {
		log.WithError(err).WithField("donation", d.ID).Error("refund failed")
		utils.RespondWithError(w, http.StatusBadGateway, "Refund could not be processed", gateway.CodePaymentFailed)
		return
	}
	if !result.Success {
		utils.RespondWithError(w, http.StatusPaymentRequired, result.Error, result.Code)
		return
	}
	if err := h.Store.UpdateDonation(r.Context(), d.ID, ledger.Patch{
		"payment_status": models.PaymentRefunded,
		"payment_error":  "",
	}); err != nil {
		log.WithError(err).WithField("donation", d.ID).Error("refund issued but not recorded")
	}
	if h.Events != nil {
		h.Events.Emit(r.Context(), models.LedgerEvent{
			Type: "donation.refunded", EntityID: d.ID, Name: d.Name, Amount: d.Amount, Status: models.PaymentRefunded,
		})
	}
	utils.RespondOK(w, utils.M{"donation_id": d.ID, "refund_id": result.TransactionID})
}

// UpdateRecurring pauses, resumes or cancels a monthly schedule.
func (h *Handler) UpdateRecurring(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Action string `json:"action"`
	}
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	d, ok := h.load(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	if !d.IsRecurring {
		utils.RespondWithError(w, http.StatusConflict, "Donation is not recurring", utils.CodeConflict)
		return
	}

	var patch ledger.Patch
	switch strings.ToLower(body.Action) {
	case "pause":
		if d.RecurringStatus != models.RecurringActive {
			utils.RespondWithError(w, http.StatusConflict, "Only active schedules can be paused", utils.CodeConflict)
			return
		}
		patch = ledger.Patch{"recurring_status": models.RecurringPaused}
	case "resume":
		if d.RecurringStatus == models.RecurringCancelled {
			utils.RespondWithError(w, http.StatusConflict, "Cancelled schedules cannot be resumed", utils.CodeConflict)
			return
		}
		if !d.HasSavedCard() {
			utils.RespondWithError(w, http.StatusConflict, "No saved card reference on file", utils.CodeConflict)
			return
		}
		patch = ledger.Patch{"recurring_status": models.RecurringActive}
		if d.NextChargeDate == nil {
			patch["next_charge_date"] = h.today()
		}
	case "cancel":
		// card_ref and next_charge_date are cleared together.
		patch = ledger.Patch{
			"recurring_status": models.RecurringCancelled,
			"card_ref":         nil,
			"next_charge_date": nil,
		}
	default:
		utils.RespondWithError(w, http.StatusBadRequest, "action must be pause, resume or cancel", utils.CodeValidation)
		return
	}

	if err := h.Store.UpdateDonation(r.Context(), d.ID, patch); err != nil {
		log.WithError(err).WithField("donation", d.ID).Error("update recurring schedule")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not update schedule", utils.CodeInternal)
		return
	}
	updated, ok := h.load(w, r, d.ID)
	if !ok {
		return
	}
	utils.RespondOK(w, utils.M{"donation": updated})
}
