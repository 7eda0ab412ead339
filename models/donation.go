package models

import "time"

// Payment states recorded on donations and registrations.
const (
	PaymentPending      = "pending"
	PaymentSuccess      = "success"
	PaymentFailed       = "failed"
	PaymentPendingCheck = "pending_check"
	PaymentFree         = "free"
	PaymentRefunded     = "refunded"
)

// Recurring schedule states.
const (
	RecurringOneTime   = "one_time"
	RecurringActive    = "active"
	RecurringPaused    = "paused"
	RecurringFailed    = "failed"
	RecurringCancelled = "cancelled"
)

const FrequencyMonthly = "monthly"

// Donation is a one-time or recurring pledge.
// CardRef and NextChargeDate are either both set or both nil.
type Donation struct {
	ID                 string  `json:"id" bson:"_id" gorm:"primaryKey;size:36"`
	Amount             float64 `json:"amount" bson:"amount"`
	IsRecurring        bool    `json:"is_recurring" bson:"is_recurring" gorm:"index"`
	RecurringFrequency *string `json:"recurring_frequency,omitempty" bson:"recurring_frequency,omitempty" gorm:"size:20"`
	RecurringStatus    string  `json:"recurring_status" bson:"recurring_status" gorm:"index;size:20"`

	Name             string `json:"name" bson:"name"`
	Email            string `json:"email" bson:"email" gorm:"index"`
	Phone            string `json:"phone,omitempty" bson:"phone,omitempty"`
	HonorName        string `json:"honor_name,omitempty" bson:"honor_name,omitempty"`
	HonorEmail       string `json:"honor_email,omitempty" bson:"honor_email,omitempty"`
	SponsorshipLabel string `json:"sponsorship_label,omitempty" bson:"sponsorship_label,omitempty"`
	Message          string `json:"message,omitempty" bson:"message,omitempty"`

	PaymentStatus    string `json:"payment_status" bson:"payment_status" gorm:"index;size:20"`
	PaymentReference string `json:"payment_reference,omitempty" bson:"payment_reference,omitempty"`
	PaymentError     string `json:"payment_error,omitempty" bson:"payment_error,omitempty"`
	Processor        string `json:"processor,omitempty" bson:"processor,omitempty" gorm:"size:20"`

	CardRef        *string `json:"-" bson:"card_ref,omitempty"`
	NextChargeDate *string `json:"next_charge_date,omitempty" bson:"next_charge_date,omitempty" gorm:"index;size:10"`
	// Day (YYYY-MM-DD) on which a billing run last claimed this row.
	ChargeClaim string `json:"-" bson:"charge_claim,omitempty" gorm:"size:10"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// HasSavedCard reports whether future charges can be made without the donor.
func (d Donation) HasSavedCard() bool {
	return d.CardRef != nil && *d.CardRef != ""
}

// IsDue applies the recurring selection predicate for the given day.
func (d Donation) IsDue(today string) bool {
	return d.IsRecurring &&
		d.RecurringStatus == RecurringActive &&
		d.CardRef != nil &&
		d.NextChargeDate != nil &&
		*d.NextChargeDate <= today
}
