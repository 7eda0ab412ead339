package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"haven/models"
)

// SQLStore keeps the ledger in a relational database through gorm.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) insert(ctx context.Context, row any) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) first(ctx context.Context, dst any, query string, args ...any) error {
	err := s.db.WithContext(ctx).Where(query, args...).First(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) update(ctx context.Context, model any, id string, patch Patch) error {
	values := map[string]any{}
	for k, v := range patch {
		values[k] = v
	}
	values["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	return s.insert(ctx, ev)
}

func (s *SQLStore) UpdateEvent(ctx context.Context, id string, patch Patch) error {
	if slug, ok := patch["slug"].(string); ok {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Event{}).
			Where("slug = ? AND id <> ?", slug, id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
	}
	return s.update(ctx, &models.Event{}, id, patch)
}

func (s *SQLStore) DeleteEvent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", id).Delete(&models.EventSponsorship{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Event{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var ev models.Event
	err := s.first(ctx, &ev, "id = ?", id)
	return ev, err
}

func (s *SQLStore) GetEventBySlug(ctx context.Context, slug string) (models.Event, error) {
	var ev models.Event
	err := s.first(ctx, &ev, "slug = ?", slug)
	return ev, err
}

func (s *SQLStore) ListEvents(ctx context.Context, activeOnly bool) ([]models.Event, error) {
	q := s.db.WithContext(ctx).Order("date ASC").Order("start_time ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []models.Event
	return out, q.Find(&out).Error
}

func (s *SQLStore) CreateSponsorship(ctx context.Context, sp *models.EventSponsorship) error {
	return s.insert(ctx, sp)
}

func (s *SQLStore) UpdateSponsorship(ctx context.Context, id string, patch Patch) error {
	return s.update(ctx, &models.EventSponsorship{}, id, patch)
}

func (s *SQLStore) DeleteSponsorship(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.EventSponsorship{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetSponsorship(ctx context.Context, id string) (models.EventSponsorship, error) {
	var sp models.EventSponsorship
	err := s.first(ctx, &sp, "id = ?", id)
	return sp, err
}

func (s *SQLStore) ListSponsorships(ctx context.Context, eventID string) ([]models.EventSponsorship, error) {
	var out []models.EventSponsorship
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("price DESC").Order("name ASC").Find(&out).Error
	return out, err
}

func (s *SQLStore) InsertDonation(ctx context.Context, d *models.Donation) error {
	return s.insert(ctx, d)
}

func (s *SQLStore) GetDonation(ctx context.Context, id string) (models.Donation, error) {
	var d models.Donation
	err := s.first(ctx, &d, "id = ?", id)
	return d, err
}

func (s *SQLStore) UpdateDonation(ctx context.Context, id string, patch Patch) error {
	return s.update(ctx, &models.Donation{}, id, patch)
}

func (s *SQLStore) ListDonations(ctx context.Context, f DonationFilter) ([]models.Donation, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(f.Limit))
	if f.Status != "" {
		q = q.Where("payment_status = ?", f.Status)
	}
	if f.Recurring != nil {
		q = q.Where("is_recurring = ?", *f.Recurring)
	}
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}
	var out []models.Donation
	return out, q.Find(&out).Error
}

func (s *SQLStore) dueScope(q *gorm.DB, today string) *gorm.DB {
	return q.Where("is_recurring = ?", true).
		Where("recurring_status = ?", models.RecurringActive).
		Where("card_ref IS NOT NULL AND card_ref <> ''").
		Where("next_charge_date IS NOT NULL AND next_charge_date <= ?", today)
}

func (s *SQLStore) DueDonations(ctx context.Context, today string) ([]models.Donation, error) {
	var out []models.Donation
	err := s.dueScope(s.db.WithContext(ctx), today).Order("next_charge_date ASC").Find(&out).Error
	return out, err
}

func (s *SQLStore) ClaimDonation(ctx context.Context, id, today string) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.Donation{}).Where("id = ?", id)
	q = s.dueScope(q, today).Where("charge_claim IS NULL OR charge_claim <> ?", today)
	res := q.Updates(map[string]any{"charge_claim": today, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("claim donation %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) InsertRegistration(ctx context.Context, r *models.EventRegistration) error {
	return s.insert(ctx, r)
}

func (s *SQLStore) GetRegistration(ctx context.Context, id string) (models.EventRegistration, error) {
	var r models.EventRegistration
	err := s.first(ctx, &r, "id = ?", id)
	return r, err
}

func (s *SQLStore) UpdateRegistration(ctx context.Context, id string, patch Patch) error {
	return s.update(ctx, &models.EventRegistration{}, id, patch)
}

func (s *SQLStore) ListRegistrations(ctx context.Context, f RegistrationFilter) ([]models.EventRegistration, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(f.Limit))
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	if f.Status != "" {
		q = q.Where("payment_status = ?", f.Status)
	}
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}
	var out []models.EventRegistration
	return out, q.Find(&out).Error
}

func (s *SQLStore) CountRegistrations(ctx context.Context, eventID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.EventRegistration{}).Where("event_id = ?", eventID).Count(&n).Error
	return n, err
}

func (s *SQLStore) CountSponsorshipRegistrations(ctx context.Context, sponsorshipID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.EventRegistration{}).
		Where("sponsorship_id = ? AND payment_status IN ?", sponsorshipID, settledStatuses).
		Count(&n).Error
	return n, err
}

func (s *SQLStore) SearchPeople(ctx context.Context, q string, limit int) ([]Person, error) {
	donations, err := s.ListDonations(ctx, DonationFilter{Query: q})
	if err != nil {
		return nil, err
	}
	regs, err := s.ListRegistrations(ctx, RegistrationFilter{Query: q})
	if err != nil {
		return nil, err
	}
	return mergePeople(donations, regs, limit), nil
}

func (s *SQLStore) InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) error {
	if err := s.db.WithContext(ctx).Where("key = ? AND expires_at <= ?", rec.Key, time.Now().UTC()).
		Delete(&models.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return s.insert(ctx, &rec)
}

func (s *SQLStore) GetIdempotency(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.first(ctx, &rec, "key = ? AND expires_at > ?", key, time.Now().UTC())
	return rec, err
}

func (s *SQLStore) CompleteIdempotency(ctx context.Context, key string, status int, body string) error {
	return s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).Where("key = ?", key).
		Updates(map[string]any{"status": status, "body": body, "completed": true}).Error
}

func (s *SQLStore) ReleaseIdempotency(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.IdempotencyRecord{}).Error
}
