package models

import "time"

type Event struct {
	ID            string    `json:"id" bson:"_id" gorm:"primaryKey;size:36"`
	Slug          string    `json:"slug" bson:"slug" gorm:"uniqueIndex;size:120;not null"`
	Title         string    `json:"title" bson:"title" gorm:"not null"`
	Description   string    `json:"description,omitempty" bson:"description,omitempty"`
	Date          string    `json:"date" bson:"date" gorm:"index;size:10"` // YYYY-MM-DD
	StartTime     string    `json:"start_time,omitempty" bson:"start_time,omitempty" gorm:"size:10"`
	EndTime       string    `json:"end_time,omitempty" bson:"end_time,omitempty" gorm:"size:10"`
	Location      string    `json:"location,omitempty" bson:"location,omitempty"`
	LocationURL   string    `json:"location_url,omitempty" bson:"location_url,omitempty"`
	ImageURL      string    `json:"image_url,omitempty" bson:"image_url,omitempty"`
	PricePerAdult float64   `json:"price_per_adult" bson:"price_per_adult"`
	KidsPrice     float64   `json:"kids_price" bson:"kids_price"`
	FamilyCap     *float64  `json:"family_cap,omitempty" bson:"family_cap,omitempty"`
	IsActive      bool      `json:"is_active" bson:"is_active" gorm:"index"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`

	// Filled in by handlers, never persisted on the event row.
	Sponsorships []EventSponsorship `json:"sponsorships,omitempty" bson:"-" gorm:"-"`
}

// EventSponsorship is a fixed-price tier that replaces per-head pricing.
// A price of 0 marks a pay-what-you-wish tier.
type EventSponsorship struct {
	ID           string    `json:"id" bson:"_id" gorm:"primaryKey;size:36"`
	EventID      string    `json:"event_id" bson:"event_id" gorm:"index;size:36;not null"`
	Name         string    `json:"name" bson:"name"`
	Price        float64   `json:"price" bson:"price"`
	Description  string    `json:"description,omitempty" bson:"description,omitempty"`
	MaxAvailable *int      `json:"max_available,omitempty" bson:"max_available,omitempty"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// IsPayWhatYouWish reports whether the registrant chooses the amount.
func (s EventSponsorship) IsPayWhatYouWish() bool {
	return s.Price == 0
}
