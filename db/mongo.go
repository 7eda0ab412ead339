package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the Mongo ledger.
const (
	EventsCollection        = "events"
	SponsorshipsCollection  = "event_sponsorships"
	RegistrationsCollection = "event_registrations"
	DonationsCollection     = "donations"
	IdempotencyCollection   = "idempotency"
)

// ConnectMongo dials the server, pings it and makes sure the ledger indexes exist.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("db: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("db: ping mongo: %w", err)
	}

	mdb := client.Database(database)
	if err := CreateIndexes(ctx, mdb); err != nil {
		log.WithError(err).Warn("mongo index creation failed")
	}
	return client, mdb, nil
}

// CreateIndexes is idempotent.
func CreateIndexes(ctx context.Context, mdb *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		EventsCollection: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		SponsorshipsCollection: {
			{Keys: bson.D{{Key: "event_id", Value: 1}}},
		},
		RegistrationsCollection: {
			{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "email", Value: 1}}},
		},
		DonationsCollection: {
			{Keys: bson.D{{Key: "recurring_status", Value: 1}, {Key: "next_charge_date", Value: 1}}},
			{Keys: bson.D{{Key: "email", Value: 1}}},
		},
		IdempotencyCollection: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
	}
	for name, models := range specs {
		if _, err := mdb.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("db: indexes for %s: %w", name, err)
		}
	}
	return nil
}
