package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Guest struct {
	Name string `json:"name" bson:"name"`
	Type string `json:"type,omitempty" bson:"type,omitempty"` // adult, kid
}

// EventRegistration is one party's signup for one event.
type EventRegistration struct {
	ID            string  `json:"id" bson:"_id" gorm:"primaryKey;size:36"`
	EventID       string  `json:"event_id" bson:"event_id" gorm:"index;size:36;not null"`
	Name          string  `json:"name" bson:"name"`
	Email         string  `json:"email" bson:"email" gorm:"index"`
	Phone         string  `json:"phone,omitempty" bson:"phone,omitempty"`
	Adults        int     `json:"adults" bson:"adults"`
	Kids          int     `json:"kids" bson:"kids"`
	SponsorshipID *string `json:"sponsorship_id,omitempty" bson:"sponsorship_id,omitempty" gorm:"index;size:36"`
	Message       string  `json:"message,omitempty" bson:"message,omitempty"`

	Guests datatypes.JSONSlice[Guest] `json:"guests,omitempty" bson:"guests,omitempty"`

	Subtotal         float64 `json:"subtotal" bson:"subtotal"`
	PaymentMethod    string  `json:"payment_method" bson:"payment_method" gorm:"size:20"`
	PaymentStatus    string  `json:"payment_status" bson:"payment_status" gorm:"index;size:20"`
	PaymentReference string  `json:"payment_reference,omitempty" bson:"payment_reference,omitempty"`
	PaymentError     string  `json:"payment_error,omitempty" bson:"payment_error,omitempty"`
	Processor        string  `json:"processor,omitempty" bson:"processor,omitempty" gorm:"size:20"`
	TicketCode       string  `json:"ticket_code,omitempty" bson:"ticket_code,omitempty" gorm:"size:32"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Settled reports whether the registration holds a seat.
func (r EventRegistration) Settled() bool {
	switch r.PaymentStatus {
	case PaymentSuccess, PaymentPendingCheck, PaymentFree:
		return true
	}
	return false
}

// GuestList returns the structured guests, falling back to a JSON
// payload embedded in the message by older clients. Anything that does not
// parse is treated as no guests.
func (r EventRegistration) GuestList() []Guest {
	if len(r.Guests) > 0 {
		return r.Guests
	}
	return ParseLegacyGuests(r.Message)
}

// ParseLegacyGuests reads {"guests":[...]} or a bare array out of a message.
func ParseLegacyGuests(message string) []Guest {
	if message == "" {
		return nil
	}
	var wrapped struct {
		Guests []Guest `json:"guests"`
	}
	if err := json.Unmarshal([]byte(message), &wrapped); err == nil && len(wrapped.Guests) > 0 {
		return wrapped.Guests
	}
	var bare []Guest
	if err := json.Unmarshal([]byte(message), &bare); err == nil {
		return bare
	}
	return nil
}
