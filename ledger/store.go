// Package ledger persists events, sponsorships, donations, registrations
// and idempotency records.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"haven/models"
)

var (
	ErrNotFound  = errors.New("ledger: not found")
	ErrDuplicate = errors.New("ledger: duplicate")
)

// Patch is a partial update keyed by column/field name.
type Patch map[string]any

type DonationFilter struct {
	Status    string
	Recurring *bool
	Query     string // matched against name and email
	Limit     int
}

type RegistrationFilter struct {
	EventID string
	Status  string
	Query   string
	Limit   int
}

// Person is a donor and/or registrant, merged by email.
type Person struct {
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone,omitempty"`
	DonationCount     int       `json:"donation_count"`
	DonationTotal     float64   `json:"donation_total"`
	RecurringActive   bool      `json:"recurring_active"`
	RegistrationCount int       `json:"registration_count"`
	LastActivity      time.Time `json:"last_activity"`
}

type Store interface {
	CreateEvent(ctx context.Context, ev *models.Event) error
	UpdateEvent(ctx context.Context, id string, patch Patch) error
	DeleteEvent(ctx context.Context, id string) error
	GetEvent(ctx context.Context, id string) (models.Event, error)
	GetEventBySlug(ctx context.Context, slug string) (models.Event, error)
	ListEvents(ctx context.Context, activeOnly bool) ([]models.Event, error)

	CreateSponsorship(ctx context.Context, sp *models.EventSponsorship) error
	UpdateSponsorship(ctx context.Context, id string, patch Patch) error
	DeleteSponsorship(ctx context.Context, id string) error
	GetSponsorship(ctx context.Context, id string) (models.EventSponsorship, error)
	ListSponsorships(ctx context.Context, eventID string) ([]models.EventSponsorship, error)

	InsertDonation(ctx context.Context, d *models.Donation) error
	GetDonation(ctx context.Context, id string) (models.Donation, error)
	UpdateDonation(ctx context.Context, id string, patch Patch) error
	ListDonations(ctx context.Context, f DonationFilter) ([]models.Donation, error)
	// DueDonations returns recurring donations that are active, carry a saved
	// card and whose next charge date is on or before today.
	DueDonations(ctx context.Context, today string) ([]models.Donation, error)
	// ClaimDonation marks a due donation as taken by today's run. It returns
	// false when the row is no longer due or was already claimed today.
	ClaimDonation(ctx context.Context, id, today string) (bool, error)

	InsertRegistration(ctx context.Context, r *models.EventRegistration) error
	GetRegistration(ctx context.Context, id string) (models.EventRegistration, error)
	UpdateRegistration(ctx context.Context, id string, patch Patch) error
	ListRegistrations(ctx context.Context, f RegistrationFilter) ([]models.EventRegistration, error)
	CountRegistrations(ctx context.Context, eventID string) (int64, error)
	// CountSponsorshipRegistrations counts settled registrations holding the tier.
	CountSponsorshipRegistrations(ctx context.Context, sponsorshipID string) (int64, error)

	SearchPeople(ctx context.Context, q string, limit int) ([]Person, error)

	InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (models.IdempotencyRecord, error)
	CompleteIdempotency(ctx context.Context, key string, status int, body string) error
	ReleaseIdempotency(ctx context.Context, key string) error
}

// settledStatuses are the payment states that hold a seat.
var settledStatuses = []string{models.PaymentSuccess, models.PaymentPendingCheck, models.PaymentFree}

// mergePeople folds donations and registrations into per-email summaries,
// most recent activity first.
func mergePeople(donations []models.Donation, regs []models.EventRegistration, limit int) []Person {
	byEmail := map[string]*Person{}
	get := func(email, name, phone string, at time.Time) *Person {
		key := strings.ToLower(strings.TrimSpace(email))
		p, ok := byEmail[key]
		if !ok {
			p = &Person{Email: key}
			byEmail[key] = p
		}
		if at.After(p.LastActivity) || p.Name == "" {
			if name != "" {
				p.Name = name
			}
			if phone != "" {
				p.Phone = phone
			}
		}
		if at.After(p.LastActivity) {
			p.LastActivity = at
		}
		return p
	}

	for _, d := range donations {
		p := get(d.Email, d.Name, d.Phone, d.CreatedAt)
		if d.PaymentStatus == models.PaymentSuccess {
			p.DonationCount++
			p.DonationTotal += d.Amount
		}
		if d.RecurringStatus == models.RecurringActive {
			p.RecurringActive = true
		}
	}
	for _, r := range regs {
		p := get(r.Email, r.Name, r.Phone, r.CreatedAt)
		p.RegistrationCount++
	}

	out := make([]Person, 0, len(byEmail))
	for _, p := range byEmail {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].Email < out[j].Email
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return 500
	}
	return n
}
