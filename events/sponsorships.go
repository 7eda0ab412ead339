package events

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/models"
	"haven/utils"
)

type sponsorshipRequest struct {
	Name         *string  `json:"name"`
	Price        *float64 `json:"price"`
	Description  *string  `json:"description"`
	MaxAvailable *int     `json:"max_available"`
	Unlimited    bool     `json:"unlimited"`
}

func (req *sponsorshipRequest) validate(creating bool) string {
	if (creating || req.Name != nil) && trimmed(req.Name) == "" {
		return "Name is required"
	}
	if creating && req.Price == nil {
		return "Price is required"
	}
	if !validPrice(req.Price) {
		return "Price must be zero or more"
	}
	if req.MaxAvailable != nil && *req.MaxAvailable < 0 {
		return "max_available cannot be negative"
	}
	return ""
}

func (h *Handler) ListSponsorships(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ev, ok := h.loadEvent(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	list, err := h.Store.ListSponsorships(r.Context(), ev.ID)
	if err != nil {
		log.WithError(err).WithField("event", ev.ID).Error("list sponsorships")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load sponsorships", utils.CodeInternal)
		return
	}
	if list == nil {
		list = []models.EventSponsorship{}
	}
	utils.RespondOK(w, utils.M{"sponsorships": list})
}

func (h *Handler) CreateSponsorship(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req sponsorshipRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	if msg := req.validate(true); msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}
	ev, ok := h.loadEvent(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	now := time.Now().UTC()
	sp := models.EventSponsorship{
		ID:           utils.GetUUID(),
		EventID:      ev.ID,
		Name:         trimmed(req.Name),
		Price:        *req.Price,
		Description:  trimmed(req.Description),
		MaxAvailable: req.MaxAvailable,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.CreateSponsorship(r.Context(), &sp); err != nil {
		log.WithError(err).WithField("event", ev.ID).Error("create sponsorship")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not save sponsorship", utils.CodeInternal)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, utils.M{"success": true, "sponsorship": sp})
}

// loadSponsorship fetches a tier and checks it hangs off the event in the path.
func (h *Handler) loadSponsorship(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (models.EventSponsorship, bool) {
	sp, err := h.Store.GetSponsorship(r.Context(), ps.ByName("sid"))
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && sp.EventID != ps.ByName("id")) {
		utils.RespondWithError(w, http.StatusNotFound, "Sponsorship not found", utils.CodeNotFound)
		return sp, false
	}
	if err != nil {
		log.WithError(err).WithField("sponsorship", ps.ByName("sid")).Error("load sponsorship")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load sponsorship", utils.CodeInternal)
		return sp, false
	}
	return sp, true
}

func (h *Handler) UpdateSponsorship(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req sponsorshipRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	if msg := req.validate(false); msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}
	sp, ok := h.loadSponsorship(w, r, ps)
	if !ok {
		return
	}

	patch := ledger.Patch{}
	if req.Name != nil {
		patch["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Price != nil {
		patch["price"] = *req.Price
	}
	if req.Description != nil {
		patch["description"] = strings.TrimSpace(*req.Description)
	}
	if req.MaxAvailable != nil {
		patch["max_available"] = *req.MaxAvailable
	} else if req.Unlimited {
		patch["max_available"] = nil
	}
	if len(patch) > 0 {
		if err := h.Store.UpdateSponsorship(r.Context(), sp.ID, patch); err != nil {
			log.WithError(err).WithField("sponsorship", sp.ID).Error("update sponsorship")
			utils.RespondWithError(w, http.StatusInternalServerError, "Could not update sponsorship", utils.CodeInternal)
			return
		}
	}
	updated, err := h.Store.GetSponsorship(r.Context(), sp.ID)
	if err != nil {
		log.WithError(err).WithField("sponsorship", sp.ID).Error("reload sponsorship")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load sponsorship", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"sponsorship": updated})
}

// DeleteSponsorship refuses tiers that settled registrations already hold.
func (h *Handler) DeleteSponsorship(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sp, ok := h.loadSponsorship(w, r, ps)
	if !ok {
		return
	}
	n, err := h.Store.CountSponsorshipRegistrations(r.Context(), sp.ID)
	if err != nil {
		log.WithError(err).WithField("sponsorship", sp.ID).Error("count sponsorship registrations")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not delete sponsorship", utils.CodeInternal)
		return
	}
	if n > 0 {
		utils.RespondWithError(w, http.StatusConflict, "Sponsorship is held by registrations", utils.CodeConflict)
		return
	}
	if err := h.Store.DeleteSponsorship(r.Context(), sp.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.WithError(err).WithField("sponsorship", sp.ID).Error("delete sponsorship")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not delete sponsorship", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"deleted": sp.ID})
}
