// Package notify sends transactional email. Every send is best effort.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Kind string

const (
	DonationConfirmation     Kind = "donation-confirmation"
	RegistrationConfirmation Kind = "registration-confirmation"
	HonoreeNotice            Kind = "honoree-notice"
	ContactFormAlert         Kind = "contact-form-alert"
)

// Payload carries the fields any template may use; unused ones stay empty.
type Payload struct {
	To      string
	ReplyTo string
	Name    string

	Amount    float64
	Recurring bool
	Reference string
	Status    string

	DonorName string // honoree notices
	HonorName string

	EventTitle string
	EventDate  string
	Location   string
	Adults     int
	Kids       int
	Guests     []string
	TicketURL  string

	Message string
}

type SendResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Sink interface {
	Send(ctx context.Context, kind Kind, p Payload) (SendResult, error)
}

// LogSink records what would have been sent. Used when SMTP is not configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, kind Kind, p Payload) (SendResult, error) {
	id := uuid.NewString()
	log.WithFields(log.Fields{"kind": kind, "to": p.To, "id": id}).Info("email (not sent, smtp disabled)")
	return SendResult{Success: true, ID: id}, nil
}

// DefaultTimeout bounds each detached side effect.
const DefaultTimeout = 30 * time.Second
