// Package registrations signs parties up for events, charging online or
// recording check and free registrations.
package registrations

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/mq"
	"haven/notify"
	"haven/pricing"
	"haven/rdx"
	"haven/sheets"
	"haven/tickets"
	"haven/utils"
)

const (
	MethodOnline = "online"
	MethodCheck  = "check"
	MethodFree   = "free"

	maxGuests       = 50
	capacityLockTTL = 30 * time.Second
)

type Handler struct {
	Store    ledger.Store
	Gateways *gateway.Registry
	// Locker serializes registrations against a capped sponsorship tier.
	Locker   rdx.Locker
	Sink     notify.Sink
	Detached *notify.Dispatcher
	Mirror   sheets.Mirror
	Events   mq.Publisher
	Signer   *tickets.Signer
	BaseURL  string
}

type registerRequest struct {
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Phone         string         `json:"phone"`
	Adults        *int           `json:"adults"`
	Kids          int            `json:"kids"`
	SponsorshipID string         `json:"sponsorship_id"`
	CustomAmount  *float64       `json:"custom_amount"`
	Message       string         `json:"message"`
	Guests        []models.Guest `json:"guests"`
	PaymentMethod string         `json:"payment_method"`
	Token         string         `json:"token"`
	Processor     string         `json:"processor"`
}

func (req *registerRequest) normalize() {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.SponsorshipID = strings.TrimSpace(req.SponsorshipID)
	req.Token = strings.TrimSpace(req.Token)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = MethodOnline
	}
	guests := req.Guests[:0]
	for _, g := range req.Guests {
		g.Name = strings.TrimSpace(g.Name)
		if g.Name != "" {
			guests = append(guests, g)
		}
	}
	req.Guests = guests
}

// validate checks everything that needs no lookup. It runs before the
// gateway is ever touched.
func (req *registerRequest) validate() string {
	if req.Name == "" {
		return "Name is required"
	}
	if !utils.ValidEmail(req.Email) {
		return "Invalid email format"
	}
	if req.Adults == nil || *req.Adults < 1 {
		return "At least one adult is required"
	}
	if req.Kids < 0 {
		return "Kids cannot be negative"
	}
	if len(req.Guests) > maxGuests {
		return "Too many guests"
	}
	if req.CustomAmount != nil && (!utils.IsFinite(*req.CustomAmount) || *req.CustomAmount < 0) {
		return "Amount must be zero or more"
	}
	switch req.PaymentMethod {
	case MethodOnline:
		if req.Token == "" {
			return "Payment token is required"
		}
		if !gateway.Known(req.Processor) {
			return "Unknown payment processor"
		}
	case MethodCheck, MethodFree:
	default:
		return "Payment method must be online, check or free"
	}
	return ""
}

// Register serves POST /api/events/:slug/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req registerRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	req.normalize()
	if msg := req.validate(); msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}

	ev, err := h.Store.GetEventBySlug(r.Context(), ps.ByName("slug"))
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && !ev.IsActive) {
		utils.RespondWithError(w, http.StatusNotFound, "Event not found", utils.CodeNotFound)
		return
	}
	if err != nil {
		log.WithError(err).WithField("slug", ps.ByName("slug")).Error("load event")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load event", utils.CodeInternal)
		return
	}

	var sp *models.EventSponsorship
	if req.SponsorshipID != "" {
		found, err := h.Store.GetSponsorship(r.Context(), req.SponsorshipID)
		if errors.Is(err, ledger.ErrNotFound) || (err == nil && found.EventID != ev.ID) {
			utils.RespondWithError(w, http.StatusBadRequest, "Sponsorship does not belong to this event", utils.CodeValidation)
			return
		}
		if err != nil {
			log.WithError(err).WithField("sponsorship", req.SponsorshipID).Error("load sponsorship")
			utils.RespondWithError(w, http.StatusInternalServerError, "Could not load sponsorship", utils.CodeInternal)
			return
		}
		sp = &found
	}

	subtotal, msg := quote(ev, sp, &req)
	if msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}
	if req.PaymentMethod == MethodFree && subtotal != 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Free registration is only available when nothing is owed", utils.CodeValidation)
		return
	}

	if sp != nil && sp.MaxAvailable != nil {
		unlock, ok := h.reserve(w, r, *sp)
		if !ok {
			return
		}
		defer unlock()
	}

	h.settle(w, r, ev, sp, &req, subtotal)
}

// quote prices the party. A pay-what-you-wish tier takes the registrant's
// own amount in place of the tier price.
func quote(ev models.Event, sp *models.EventSponsorship, req *registerRequest) (float64, string) {
	var tierPrice *float64
	if sp != nil {
		price := sp.Price
		if sp.IsPayWhatYouWish() {
			if req.CustomAmount == nil {
				return 0, "Please enter an amount for this sponsorship"
			}
			price = *req.CustomAmount
		}
		tierPrice = &price
	}
	return pricing.ComputeEventSubtotal(*req.Adults, req.Kids, ev.PricePerAdult, ev.KidsPrice, tierPrice, ev.FamilyCap), ""
}

// reserve takes the tier lock and checks there is a place left. The caller
// holds the lock until its row is written.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request, sp models.EventSponsorship) (rdx.Unlock, bool) {
	unlock := rdx.Unlock(func() {})
	if h.Locker != nil {
		var err error
		unlock, err = h.Locker.Obtain(r.Context(), "sponsorship:"+sp.ID, capacityLockTTL, 50)
		if err != nil {
			log.WithError(err).WithField("sponsorship", sp.ID).Warn("capacity lock not acquired")
			utils.RespondWithError(w, http.StatusConflict, "Sponsorship is busy, please try again", utils.CodeConflict)
			return nil, false
		}
	}
	taken, err := h.Store.CountSponsorshipRegistrations(r.Context(), sp.ID)
	if err != nil {
		unlock()
		log.WithError(err).WithField("sponsorship", sp.ID).Error("count sponsorship registrations")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not check availability", utils.CodeInternal)
		return nil, false
	}
	if taken >= int64(*sp.MaxAvailable) {
		unlock()
		utils.RespondWithError(w, http.StatusConflict, sp.Name+" is sold out", utils.CodeConflict)
		return nil, false
	}
	return unlock, true
}

func (h *Handler) newRegistration(ev models.Event, sp *models.EventSponsorship, req *registerRequest, subtotal float64) models.EventRegistration {
	now := time.Now().UTC()
	reg := models.EventRegistration{
		ID:            utils.GetUUID(),
		EventID:       ev.ID,
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Adults:        *req.Adults,
		Kids:          req.Kids,
		Message:       strings.TrimSpace(req.Message),
		Guests:        req.Guests,
		Subtotal:      subtotal,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if sp != nil {
		id := sp.ID
		reg.SponsorshipID = &id
	}
	return reg
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, ev models.Event, sp *models.EventSponsorship, req *registerRequest, subtotal float64) {
	reg := h.newRegistration(ev, sp, req, subtotal)

	switch {
	case req.PaymentMethod == MethodCheck:
		reg.PaymentStatus = models.PaymentPendingCheck
		reg.PaymentReference = "CHECK-" + utils.ShortID(reg.ID)
	case req.PaymentMethod == MethodFree || subtotal == 0:
		reg.PaymentMethod = MethodFree
		reg.PaymentStatus = models.PaymentFree
		reg.PaymentReference = "FREE-" + utils.ShortID(reg.ID)
	default:
		if !h.charge(w, r, ev, &reg, req) {
			return
		}
	}
	reg.TicketCode = tickets.Code(reg.ID)

	if err := h.Store.InsertRegistration(r.Context(), &reg); err != nil {
		if reg.PaymentStatus != models.PaymentSuccess {
			log.WithError(err).WithField("registration", reg.ID).Error("save registration")
			utils.RespondWithError(w, http.StatusInternalServerError, "Could not save registration", utils.CodeInternal)
			return
		}
		// Money was taken; report success and leave reconciliation to staff.
		log.WithError(err).WithFields(log.Fields{
			"registration": reg.ID,
			"transaction":  reg.PaymentReference,
			"email":        reg.Email,
		}).Error("registration charged but not recorded")
	}

	ticketURL := ""
	if h.Signer != nil {
		ticketURL = h.Signer.URL(h.BaseURL, reg.ID)
	}
	h.afterRegistration(ev, sp, reg, ticketURL)

	utils.RespondOK(w, utils.M{
		"registration_id":   reg.ID,
		"payment_status":    reg.PaymentStatus,
		"payment_reference": reg.PaymentReference,
		"subtotal":          reg.Subtotal,
		"ticket_code":       reg.TicketCode,
		"ticket_url":        ticketURL,
	})
}

// charge runs the online payment. A failed attempt is kept as a failed row
// for staff to follow up and the caller gets the failure.
func (h *Handler) charge(w http.ResponseWriter, r *http.Request, ev models.Event, reg *models.EventRegistration, req *registerRequest) bool {
	gw, err := h.Gateways.Select(req.Processor)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProcessor) {
			utils.RespondWithError(w, http.StatusBadRequest, "Unknown payment processor", utils.CodeValidation)
			return false
		}
		log.WithError(err).Error("payment processor unavailable")
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Payment processor is not available", gateway.CodePaymentFailed)
		return false
	}
	reg.Processor = gw.Name()

	result, err := gw.Charge(r.Context(), gateway.ChargeRequest{
		Token:          req.Token,
		Amount:         reg.Subtotal,
		Email:          reg.Email,
		Name:           reg.Name,
		Description:    "Registration: " + ev.Title,
		IdempotencyKey: "registration-" + reg.ID,
	})
	status, code := http.StatusPaymentRequired, result.Code
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"processor": gw.Name(), "event": ev.ID}).Error("registration charge failed")
		status, code = http.StatusBadGateway, gateway.CodePaymentFailed
		result = gateway.Result{Error: err.Error(), Code: code}
	}
	if result.Success {
		reg.PaymentStatus = models.PaymentSuccess
		reg.PaymentReference = result.TransactionID
		return true
	}

	reg.PaymentStatus = models.PaymentFailed
	reg.PaymentError = result.Error
	if reg.PaymentError == "" {
		reg.PaymentError = gateway.UserMessage(code)
	}
	if err := h.Store.InsertRegistration(r.Context(), reg); err != nil {
		log.WithError(err).WithField("registration", reg.ID).Warn("failed registration not recorded")
	}
	utils.RespondWithError(w, status, gateway.UserMessage(code), code)
	return false
}

func (h *Handler) afterRegistration(ev models.Event, sp *models.EventSponsorship, reg models.EventRegistration, ticketURL string) {
	tier := ""
	if sp != nil {
		tier = sp.Name
	}
	if h.Mirror != nil {
		h.Detached.Detach("sheets.registration", func(ctx context.Context) error {
			return h.Mirror.Append(ctx, sheets.TabName(ev), sheets.RegistrationRow(reg, tier))
		})
	}
	guests := make([]string, 0, len(reg.Guests))
	for _, g := range reg.GuestList() {
		guests = append(guests, g.Name)
	}
	h.Detached.Email(h.Sink, notify.RegistrationConfirmation, notify.Payload{
		To:         reg.Email,
		Name:       reg.Name,
		Amount:     reg.Subtotal,
		Reference:  reg.PaymentReference,
		Status:     reg.PaymentStatus,
		EventTitle: ev.Title,
		EventDate:  ev.Date,
		Location:   ev.Location,
		Adults:     reg.Adults,
		Kids:       reg.Kids,
		Guests:     guests,
		TicketURL:  ticketURL,
	})
	if h.Events != nil {
		h.Events.Emit(context.Background(), models.LedgerEvent{
			Type:     "registration.created",
			EntityID: reg.ID,
			Name:     reg.Name,
			Amount:   reg.Subtotal,
			Status:   reg.PaymentStatus,
			EventID:  ev.ID,
		})
	}
}
