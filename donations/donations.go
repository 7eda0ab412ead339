// Package donations takes one-time and monthly gifts and lets admins manage them.
package donations

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/billing"
	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/mq"
	"haven/notify"
	"haven/pricing"
	"haven/sheets"
	"haven/utils"
)

type Handler struct {
	Store    ledger.Store
	Gateways *gateway.Registry
	Sink     notify.Sink
	Detached *notify.Dispatcher
	Mirror   sheets.Mirror
	Events   mq.Publisher
	Location *time.Location
	Now      func() time.Time
}

func (h *Handler) today() string {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return billing.Day(now(), h.Location)
}

type donateRequest struct {
	Amount           *float64 `json:"amount"`
	Frequency        string   `json:"frequency"` // "", "one_time" or "monthly"
	IsRecurring      bool     `json:"is_recurring"`
	Name             string   `json:"name"`
	Email            string   `json:"email"`
	Phone            string   `json:"phone"`
	HonorName        string   `json:"honor_name"`
	HonorEmail       string   `json:"honor_email"`
	SponsorshipLabel string   `json:"sponsorship_label"`
	Message          string   `json:"message"`
	Token            string   `json:"token"`
	Processor        string   `json:"processor"`
}

func (req *donateRequest) normalize() {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.HonorName = strings.TrimSpace(req.HonorName)
	req.HonorEmail = strings.ToLower(strings.TrimSpace(req.HonorEmail))
	req.Frequency = strings.ToLower(strings.TrimSpace(req.Frequency))
	req.Token = strings.TrimSpace(req.Token)
	if req.Frequency == models.FrequencyMonthly {
		req.IsRecurring = true
	}
}

// validate returns the charge amount or a message for the donor.
func (req *donateRequest) validate() (float64, string) {
	if req.Name == "" {
		return 0, "Name is required"
	}
	if !utils.ValidEmail(req.Email) {
		return 0, "Invalid email format"
	}
	if req.HonorEmail != "" && !utils.ValidEmail(req.HonorEmail) {
		return 0, "Invalid honoree email format"
	}
	if req.Amount == nil {
		return 0, "Amount is required"
	}
	amount, err := pricing.ComputeDonationAmount(*req.Amount)
	if err != nil {
		return 0, "Amount must be a positive number"
	}
	switch req.Frequency {
	case "", "one_time", models.FrequencyMonthly:
	default:
		return 0, "Frequency must be one_time or monthly"
	}
	if !gateway.Known(req.Processor) {
		return 0, "Unknown payment processor"
	}
	if req.Token == "" {
		return 0, "Payment token is required"
	}
	return amount, ""
}

// Donate validates, charges, records and then notifies. A declined charge
// writes nothing.
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req donateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	req.normalize()
	amount, msg := req.validate()
	if msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}

	gw, err := h.Gateways.Select(req.Processor)
	if err != nil {
		respondGatewayUnavailable(w, err)
		return
	}

	id := utils.GetUUID()
	description := "Donation"
	if req.IsRecurring {
		description = "Monthly donation"
	}
	result, err := gw.Charge(r.Context(), gateway.ChargeRequest{
		Token:          req.Token,
		Amount:         amount,
		Email:          req.Email,
		Name:           req.Name,
		Description:    description,
		SaveCard:       req.IsRecurring,
		IdempotencyKey: "donation-" + id,
	})
	if err != nil {
		log.WithError(err).WithField("processor", gw.Name()).Error("donation charge failed")
		utils.RespondWithError(w, http.StatusBadGateway, gateway.UserMessage(gateway.CodePaymentFailed), gateway.CodePaymentFailed)
		return
	}
	if !result.Success {
		utils.RespondWithError(w, http.StatusPaymentRequired, gateway.UserMessage(result.Code), result.Code)
		return
	}

	d := h.buildDonation(id, amount, &req, gw.Name(), result)
	if err := h.Store.InsertDonation(r.Context(), &d); err != nil {
		// The card is charged; say so and leave reconciliation to staff.
		log.WithError(err).WithFields(log.Fields{
			"donation":    d.ID,
			"transaction": result.TransactionID,
			"email":       d.Email,
		}).Error("donation charged but not recorded")
	}

	h.afterDonation(d)

	resp := utils.M{
		"donation_id":      d.ID,
		"transaction_id":   result.TransactionID,
		"amount":           d.Amount,
		"recurring_status": d.RecurringStatus,
	}
	if d.NextChargeDate != nil {
		resp["next_charge_date"] = *d.NextChargeDate
	}
	utils.RespondOK(w, resp)
}

func (h *Handler) buildDonation(id string, amount float64, req *donateRequest, processor string, result gateway.Result) models.Donation {
	now := time.Now().UTC()
	d := models.Donation{
		ID:               id,
		Amount:           amount,
		IsRecurring:      req.IsRecurring,
		RecurringStatus:  models.RecurringOneTime,
		Name:             req.Name,
		Email:            req.Email,
		Phone:            req.Phone,
		HonorName:        req.HonorName,
		HonorEmail:       req.HonorEmail,
		SponsorshipLabel: strings.TrimSpace(req.SponsorshipLabel),
		Message:          strings.TrimSpace(req.Message),
		PaymentStatus:    models.PaymentSuccess,
		PaymentReference: result.TransactionID,
		Processor:        processor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !req.IsRecurring {
		return d
	}

	freq := models.FrequencyMonthly
	d.RecurringFrequency = &freq
	if result.CardRef == "" {
		// Nothing to charge next month with.
		d.RecurringStatus = models.RecurringPaused
		log.WithFields(log.Fields{"donation": id, "processor": processor}).
			Warn("recurring donation without a saved card reference, schedule paused")
		return d
	}
	today := h.today()
	next, _ := billing.NextMonthlyDate(today, today)
	card := result.CardRef
	d.RecurringStatus = models.RecurringActive
	d.CardRef = &card
	d.NextChargeDate = &next
	return d
}

func (h *Handler) afterDonation(d models.Donation) {
	if h.Mirror != nil {
		h.Detached.Detach("sheets.donation", func(ctx context.Context) error {
			return h.Mirror.Append(ctx, sheets.DonationsTab, sheets.DonationRow(d))
		})
	}
	h.Detached.Email(h.Sink, notify.DonationConfirmation, notify.Payload{
		To:        d.Email,
		Name:      d.Name,
		Amount:    d.Amount,
		Recurring: d.IsRecurring,
		Reference: d.PaymentReference,
		HonorName: d.HonorName,
	})
	if d.HonorEmail != "" {
		h.Detached.Email(h.Sink, notify.HonoreeNotice, notify.Payload{
			To:        d.HonorEmail,
			HonorName: d.HonorName,
			DonorName: d.Name,
			Message:   d.Message,
		})
	}
	if h.Events != nil {
		h.Events.Emit(context.Background(), models.LedgerEvent{
			Type:     "donation.created",
			EntityID: d.ID,
			Name:     d.Name,
			Amount:   d.Amount,
			Status:   d.PaymentStatus,
		})
	}
}

func respondGatewayUnavailable(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrUnknownProcessor) {
		utils.RespondWithError(w, http.StatusBadRequest, "Unknown payment processor", utils.CodeValidation)
		return
	}
	log.WithError(err).Error("payment processor unavailable")
	utils.RespondWithError(w, http.StatusServiceUnavailable, "Payment processor is not available", gateway.CodePaymentFailed)
}
