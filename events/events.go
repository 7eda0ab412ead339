// Package events publishes the event calendar and lets admins maintain it.
package events

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/billing"
	"haven/ledger"
	"haven/models"
	"haven/utils"
)

type Handler struct {
	Store ledger.Store
	// UploadDir receives event images; PublicPrefix is the URL they are served under.
	UploadDir    string
	PublicPrefix string
	Location     *time.Location
	Now          func() time.Time
}

func (h *Handler) today() string {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return billing.Day(now(), h.Location)
}

// List serves the public calendar: active events, upcoming first in date
// order, then past events most recent first when ?past=true.
func (h *Handler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	all, err := h.Store.ListEvents(r.Context(), true)
	if err != nil {
		log.WithError(err).Error("list events")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load events", utils.CodeInternal)
		return
	}
	today := h.today()
	upcoming, past := splitByDate(all, today)
	out := upcoming
	if r.URL.Query().Get("past") == "true" {
		out = append(out, past...)
	}
	if out == nil {
		out = []models.Event{}
	}
	utils.RespondOK(w, utils.M{"events": out})
}

func splitByDate(all []models.Event, today string) (upcoming, past []models.Event) {
	for _, ev := range all {
		if ev.Date >= today {
			upcoming = append(upcoming, ev)
		} else {
			past = append(past, ev)
		}
	}
	sort.SliceStable(upcoming, func(i, j int) bool { return upcoming[i].Date < upcoming[j].Date })
	sort.SliceStable(past, func(i, j int) bool { return past[i].Date > past[j].Date })
	return upcoming, past
}

// Get returns one active event by slug together with its sponsorship tiers.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
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
	if ev.Sponsorships, err = h.Store.ListSponsorships(r.Context(), ev.ID); err != nil {
		log.WithError(err).WithField("event", ev.ID).Error("load sponsorships")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load event", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"event": ev})
}

func (h *Handler) loadEvent(w http.ResponseWriter, r *http.Request, id string) (models.Event, bool) {
	ev, err := h.Store.GetEvent(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "Event not found", utils.CodeNotFound)
		return ev, false
	}
	if err != nil {
		log.WithError(err).WithField("event", id).Error("load event")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not load event", utils.CodeInternal)
		return ev, false
	}
	return ev, true
}
