package events

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/billing"
	"haven/ledger"
	"haven/models"
	"haven/utils"
)

// eventRequest is shared by create and update. Nil fields are left alone on
// update.
type eventRequest struct {
	Title         *string  `json:"title"`
	Slug          *string  `json:"slug"`
	Description   *string  `json:"description"`
	Date          *string  `json:"date"`
	StartTime     *string  `json:"start_time"`
	EndTime       *string  `json:"end_time"`
	Location      *string  `json:"location"`
	LocationURL   *string  `json:"location_url"`
	PricePerAdult *float64 `json:"price_per_adult"`
	KidsPrice     *float64 `json:"kids_price"`
	FamilyCap     *float64 `json:"family_cap"`
	ClearCap      bool     `json:"clear_family_cap"`
	IsActive      *bool    `json:"is_active"`
}

func trimmed(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func validPrice(p *float64) bool {
	return p == nil || (utils.IsFinite(*p) && *p >= 0)
}

func (req *eventRequest) validate(creating bool) string {
	if creating && trimmed(req.Title) == "" {
		return "Title is required"
	}
	if req.Title != nil && trimmed(req.Title) == "" {
		return "Title cannot be empty"
	}
	if creating && req.Date == nil {
		return "Date is required"
	}
	if req.Date != nil {
		if _, err := time.Parse(billing.DateLayout, trimmed(req.Date)); err != nil {
			return "Date must be YYYY-MM-DD"
		}
	}
	if req.Slug != nil && !utils.ValidSlug(trimmed(req.Slug)) {
		return "Slug must be lowercase letters, digits and hyphens"
	}
	if !validPrice(req.PricePerAdult) || !validPrice(req.KidsPrice) {
		return "Prices must be zero or more"
	}
	if req.FamilyCap != nil && (!utils.IsFinite(*req.FamilyCap) || *req.FamilyCap <= 0) {
		return "Family cap must be a positive amount"
	}
	return ""
}

func (req *eventRequest) patch() ledger.Patch {
	p := ledger.Patch{}
	set := func(key string, v *string) {
		if v != nil {
			p[key] = strings.TrimSpace(*v)
		}
	}
	set("title", req.Title)
	set("slug", req.Slug)
	set("description", req.Description)
	set("date", req.Date)
	set("start_time", req.StartTime)
	set("end_time", req.EndTime)
	set("location", req.Location)
	set("location_url", req.LocationURL)
	if req.PricePerAdult != nil {
		p["price_per_adult"] = *req.PricePerAdult
	}
	if req.KidsPrice != nil {
		p["kids_price"] = *req.KidsPrice
	}
	if req.FamilyCap != nil {
		p["family_cap"] = *req.FamilyCap
	} else if req.ClearCap {
		p["family_cap"] = nil
	}
	if req.IsActive != nil {
		p["is_active"] = *req.IsActive
	}
	return p
}

// ListAll serves GET /api/admin/events, inactive events included.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	all, err := h.Store.ListEvents(r.Context(), false)
	if err != nil {
		log.WithError(err).Error("list events")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load events", utils.CodeInternal)
		return
	}
	if all == nil {
		all = []models.Event{}
	}
	utils.RespondOK(w, utils.M{"events": all})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req eventRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	if req.Slug == nil && req.Title != nil {
		slug := utils.Slugify(*req.Title)
		req.Slug = &slug
	}
	if msg := req.validate(true); msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}

	now := time.Now().UTC()
	ev := models.Event{
		ID:          utils.GetUUID(),
		Slug:        trimmed(req.Slug),
		Title:       trimmed(req.Title),
		Description: trimmed(req.Description),
		Date:        trimmed(req.Date),
		StartTime:   trimmed(req.StartTime),
		EndTime:     trimmed(req.EndTime),
		Location:    trimmed(req.Location),
		LocationURL: trimmed(req.LocationURL),
		FamilyCap:   req.FamilyCap,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.PricePerAdult != nil {
		ev.PricePerAdult = *req.PricePerAdult
	}
	if req.KidsPrice != nil {
		ev.KidsPrice = *req.KidsPrice
	}
	if req.IsActive != nil {
		ev.IsActive = *req.IsActive
	}

	if err := h.Store.CreateEvent(r.Context(), &ev); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			utils.RespondWithError(w, http.StatusConflict, "An event with this slug already exists", utils.CodeConflict)
			return
		}
		log.WithError(err).Error("create event")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not save event", utils.CodeInternal)
		return
	}
	log.WithFields(log.Fields{"event": ev.ID, "slug": ev.Slug}).Info("event created")
	utils.RespondWithJSON(w, http.StatusCreated, utils.M{"success": true, "event": ev})
}

// Update applies a partial update. The slug is frozen once anyone has
// registered, since tickets and links carry it.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req eventRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
		return
	}
	if msg := req.validate(false); msg != "" {
		utils.RespondWithError(w, http.StatusBadRequest, msg, utils.CodeValidation)
		return
	}
	ev, ok := h.loadEvent(w, r, ps.ByName("id"))
	if !ok {
		return
	}

	patch := req.patch()
	if slug, ok := patch["slug"].(string); ok {
		if slug == ev.Slug {
			delete(patch, "slug")
		} else {
			n, err := h.Store.CountRegistrations(r.Context(), ev.ID)
			if err != nil {
				log.WithError(err).WithField("event", ev.ID).Error("count registrations")
				utils.RespondWithError(w, http.StatusInternalServerError, "Could not update event", utils.CodeInternal)
				return
			}
			if n > 0 {
				utils.RespondWithError(w, http.StatusConflict, "Slug cannot change after registrations exist", utils.CodeConflict)
				return
			}
		}
	}
	if len(patch) == 0 {
		utils.RespondOK(w, utils.M{"event": ev})
		return
	}

	if err := h.Store.UpdateEvent(r.Context(), ev.ID, patch); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			utils.RespondWithError(w, http.StatusConflict, "An event with this slug already exists", utils.CodeConflict)
			return
		}
		log.WithError(err).WithField("event", ev.ID).Error("update event")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not update event", utils.CodeInternal)
		return
	}
	updated, ok := h.loadEvent(w, r, ev.ID)
	if !ok {
		return
	}
	utils.RespondOK(w, utils.M{"event": updated})
}

// Delete removes an event and its tiers. Events with registrations are kept
// for the ledger; deactivate them instead.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ev, ok := h.loadEvent(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	n, err := h.Store.CountRegistrations(r.Context(), ev.ID)
	if err != nil {
		log.WithError(err).WithField("event", ev.ID).Error("count registrations")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not delete event", utils.CodeInternal)
		return
	}
	if n > 0 {
		utils.RespondWithError(w, http.StatusConflict, "Event has registrations; deactivate it instead", utils.CodeConflict)
		return
	}
	if err := h.Store.DeleteEvent(r.Context(), ev.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.WithError(err).WithField("event", ev.ID).Error("delete event")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not delete event", utils.CodeInternal)
		return
	}
	h.removeImages(ev.ID)
	utils.RespondOK(w, utils.M{"deleted": ev.ID})
}
