package ledger

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"haven/db"
	"haven/models"
)

// MongoStore keeps the ledger in MongoDB, one collection per entity.
type MongoStore struct {
	events        *mongo.Collection
	sponsorships  *mongo.Collection
	registrations *mongo.Collection
	donations     *mongo.Collection
	idempotency   *mongo.Collection
}

func NewMongoStore(mdb *mongo.Database) *MongoStore {
	return &MongoStore{
		events:        mdb.Collection(db.EventsCollection),
		sponsorships:  mdb.Collection(db.SponsorshipsCollection),
		registrations: mdb.Collection(db.RegistrationsCollection),
		donations:     mdb.Collection(db.DonationsCollection),
		idempotency:   mdb.Collection(db.IdempotencyCollection),
	}
}

// isDuplicateKeyError detects unique index violations on insert/update.
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return mongo.IsDuplicateKeyError(err)
}

func insertOne(ctx context.Context, coll *mongo.Collection, doc any) error {
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, dst any) error {
	err := coll.FindOne(ctx, filter).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func updateByID(ctx context.Context, coll *mongo.Collection, id string, patch Patch) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	for k, v := range patch {
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = v
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nameOrEmail(q string) bson.A {
	rx := bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
	return bson.A{bson.M{"name": rx}, bson.M{"email": rx}}
}

func (s *MongoStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	return insertOne(ctx, s.events, ev)
}

func (s *MongoStore) UpdateEvent(ctx context.Context, id string, patch Patch) error {
	return updateByID(ctx, s.events, id, patch)
}

func (s *MongoStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.events.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, err = s.sponsorships.DeleteMany(ctx, bson.M{"event_id": id})
	return err
}

func (s *MongoStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var ev models.Event
	err := findOne(ctx, s.events, bson.M{"_id": id}, &ev)
	return ev, err
}

func (s *MongoStore) GetEventBySlug(ctx context.Context, slug string) (models.Event, error) {
	var ev models.Event
	err := findOne(ctx, s.events, bson.M{"slug": slug}, &ev)
	return ev, err
}

func (s *MongoStore) ListEvents(ctx context.Context, activeOnly bool) ([]models.Event, error) {
	filter := bson.M{}
	if activeOnly {
		filter["is_active"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "start_time", Value: 1}})
	return findAll[models.Event](ctx, s.events, filter, opts)
}

func (s *MongoStore) CreateSponsorship(ctx context.Context, sp *models.EventSponsorship) error {
	return insertOne(ctx, s.sponsorships, sp)
}

func (s *MongoStore) UpdateSponsorship(ctx context.Context, id string, patch Patch) error {
	return updateByID(ctx, s.sponsorships, id, patch)
}

func (s *MongoStore) DeleteSponsorship(ctx context.Context, id string) error {
	res, err := s.sponsorships.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetSponsorship(ctx context.Context, id string) (models.EventSponsorship, error) {
	var sp models.EventSponsorship
	err := findOne(ctx, s.sponsorships, bson.M{"_id": id}, &sp)
	return sp, err
}

func (s *MongoStore) ListSponsorships(ctx context.Context, eventID string) ([]models.EventSponsorship, error) {
	opts := options.Find().SetSort(bson.D{{Key: "price", Value: -1}, {Key: "name", Value: 1}})
	return findAll[models.EventSponsorship](ctx, s.sponsorships, bson.M{"event_id": eventID}, opts)
}

func (s *MongoStore) InsertDonation(ctx context.Context, d *models.Donation) error {
	return insertOne(ctx, s.donations, d)
}

func (s *MongoStore) GetDonation(ctx context.Context, id string) (models.Donation, error) {
	var d models.Donation
	err := findOne(ctx, s.donations, bson.M{"_id": id}, &d)
	return d, err
}

func (s *MongoStore) UpdateDonation(ctx context.Context, id string, patch Patch) error {
	return updateByID(ctx, s.donations, id, patch)
}

func (s *MongoStore) ListDonations(ctx context.Context, f DonationFilter) ([]models.Donation, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["payment_status"] = f.Status
	}
	if f.Recurring != nil {
		filter["is_recurring"] = *f.Recurring
	}
	if f.Query != "" {
		filter["$or"] = nameOrEmail(f.Query)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(clampLimit(f.Limit)))
	return findAll[models.Donation](ctx, s.donations, filter, opts)
}

func dueFilter(today string) bson.M {
	return bson.M{
		"is_recurring":     true,
		"recurring_status": models.RecurringActive,
		"card_ref":         bson.M{"$exists": true, "$nin": bson.A{nil, ""}},
		"next_charge_date": bson.M{"$exists": true, "$ne": nil, "$lte": today},
	}
}

func (s *MongoStore) DueDonations(ctx context.Context, today string) ([]models.Donation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_charge_date", Value: 1}})
	return findAll[models.Donation](ctx, s.donations, dueFilter(today), opts)
}

func (s *MongoStore) ClaimDonation(ctx context.Context, id, today string) (bool, error) {
	filter := dueFilter(today)
	filter["_id"] = id
	filter["charge_claim"] = bson.M{"$ne": today}
	res, err := s.donations.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"charge_claim": today,
		"updated_at":   time.Now().UTC(),
	}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) InsertRegistration(ctx context.Context, r *models.EventRegistration) error {
	return insertOne(ctx, s.registrations, r)
}

func (s *MongoStore) GetRegistration(ctx context.Context, id string) (models.EventRegistration, error) {
	var r models.EventRegistration
	err := findOne(ctx, s.registrations, bson.M{"_id": id}, &r)
	return r, err
}

func (s *MongoStore) UpdateRegistration(ctx context.Context, id string, patch Patch) error {
	return updateByID(ctx, s.registrations, id, patch)
}

func (s *MongoStore) ListRegistrations(ctx context.Context, f RegistrationFilter) ([]models.EventRegistration, error) {
	filter := bson.M{}
	if f.EventID != "" {
		filter["event_id"] = f.EventID
	}
	if f.Status != "" {
		filter["payment_status"] = f.Status
	}
	if f.Query != "" {
		filter["$or"] = nameOrEmail(f.Query)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(clampLimit(f.Limit)))
	return findAll[models.EventRegistration](ctx, s.registrations, filter, opts)
}

func (s *MongoStore) CountRegistrations(ctx context.Context, eventID string) (int64, error) {
	return s.registrations.CountDocuments(ctx, bson.M{"event_id": eventID})
}

func (s *MongoStore) CountSponsorshipRegistrations(ctx context.Context, sponsorshipID string) (int64, error) {
	return s.registrations.CountDocuments(ctx, bson.M{
		"sponsorship_id": sponsorshipID,
		"payment_status": bson.M{"$in": settledStatuses},
	})
}

func (s *MongoStore) SearchPeople(ctx context.Context, q string, limit int) ([]Person, error) {
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

func (s *MongoStore) InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) error {
	// The TTL monitor runs once a minute, so an expired record may linger.
	if _, err := s.idempotency.DeleteOne(ctx, bson.M{"_id": rec.Key, "expires_at": bson.M{"$lte": time.Now().UTC()}}); err != nil {
		return err
	}
	return insertOne(ctx, s.idempotency, rec)
}

func (s *MongoStore) GetIdempotency(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := findOne(ctx, s.idempotency, bson.M{"_id": key, "expires_at": bson.M{"$gt": time.Now().UTC()}}, &rec)
	return rec, err
}

func (s *MongoStore) CompleteIdempotency(ctx context.Context, key string, status int, body string) error {
	_, err := s.idempotency.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{
		"status":    status,
		"body":      body,
		"completed": true,
	}})
	return err
}

func (s *MongoStore) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := s.idempotency.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

var (
	_ Store = (*MongoStore)(nil)
	_ Store = (*SQLStore)(nil)
)
