// Package billing charges due recurring donations once per day.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/mq"
	"haven/notify"
	"haven/rdx"
)

// ErrAlreadyRunning means another run for the same day holds the lock.
var ErrAlreadyRunning = errors.New("billing: a run for this day is already in progress")

const (
	noSavedCard = "No saved card reference"
	lockTTL     = 30 * time.Minute
)

// Tally is the diagnostic summary of one run.
type Tally struct {
	Date       string   `json:"date"`
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors"`
}

type Cycle struct {
	Store    ledger.Store
	Gateways *gateway.Registry
	Locker   rdx.Locker
	Sink     notify.Sink
	Detached *notify.Dispatcher
	Events   mq.Publisher
}

type outcome int

const (
	charged outcome = iota
	failed
	skipped
)

// Run processes every donation due on today (YYYY-MM-DD). Each donation is
// handled independently; a failure or panic on one never stops the rest.
func (c *Cycle) Run(ctx context.Context, today string) (Tally, error) {
	tally := Tally{Date: today, Errors: []string{}}

	unlock, err := c.Locker.Obtain(ctx, "billing:recurring:"+today, lockTTL, 1)
	if err != nil {
		if errors.Is(err, rdx.ErrLocked) {
			return tally, ErrAlreadyRunning
		}
		return tally, fmt.Errorf("billing: lock: %w", err)
	}
	defer unlock()

	due, err := c.Store.DueDonations(ctx, today)
	if err != nil {
		return tally, fmt.Errorf("billing: select due donations: %w", err)
	}

	for _, d := range due {
		tally.Processed++
		res, msg := c.processSafely(ctx, d, today)
		switch res {
		case charged:
			tally.Successful++
		case failed:
			tally.Failed++
		case skipped:
			tally.Skipped++
		}
		if msg != "" {
			tally.Errors = append(tally.Errors, fmt.Sprintf("%s: %s", d.ID, msg))
		}
	}

	log.WithFields(log.Fields{
		"date":       today,
		"processed":  tally.Processed,
		"successful": tally.Successful,
		"failed":     tally.Failed,
		"skipped":    tally.Skipped,
	}).Info("recurring billing run finished")
	return tally, nil
}

func (c *Cycle) processSafely(ctx context.Context, d models.Donation, today string) (res outcome, msg string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("donation", d.ID).Errorf("recurring charge panicked: %v", r)
			msg = fmt.Sprintf("internal error: %v", r)
			c.recordFailure(ctx, d, "Internal error while charging")
			res = failed
		}
	}()
	return c.process(ctx, d, today)
}

func (c *Cycle) process(ctx context.Context, d models.Donation, today string) (outcome, string) {
	if !d.HasSavedCard() {
		c.recordFailure(ctx, d, noSavedCard)
		return failed, noSavedCard
	}

	claimed, err := c.Store.ClaimDonation(ctx, d.ID, today)
	if err != nil {
		return failed, err.Error()
	}
	if !claimed {
		return skipped, ""
	}

	gw, err := c.Gateways.Select(d.Processor)
	if err != nil {
		c.recordFailure(ctx, d, err.Error())
		return failed, err.Error()
	}

	result, err := gw.ChargeSavedCard(ctx, gateway.SavedCardRequest{
		CardRef:        *d.CardRef,
		Amount:         d.Amount,
		Email:          d.Email,
		Description:    "Monthly donation",
		IdempotencyKey: fmt.Sprintf("recurring-%s-%s", d.ID, today),
	})
	if err != nil {
		c.recordFailure(ctx, d, err.Error())
		return failed, err.Error()
	}
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = gateway.UserMessage(result.Code)
		}
		c.recordFailure(ctx, d, reason)
		return failed, reason
	}

	return charged, c.recordSuccess(ctx, d, today, result.TransactionID)
}

// recordSuccess rolls the schedule forward. A bookkeeping error after an
// approved charge is reported but the charge still counts as successful.
func (c *Cycle) recordSuccess(ctx context.Context, d models.Donation, today, txID string) string {
	anchor := today
	if d.NextChargeDate != nil {
		anchor = *d.NextChargeDate
	}
	next, err := NextMonthlyDate(anchor, today)
	if err != nil {
		next, _ = NextMonthlyDate(today, today)
	}

	var problem string
	err = c.Store.UpdateDonation(ctx, d.ID, ledger.Patch{
		"payment_status":    models.PaymentSuccess,
		"payment_reference": txID,
		"payment_error":     "",
		"next_charge_date":  next,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"donation": d.ID, "transaction": txID}).
			Error("recurring charge approved but ledger update failed")
		problem = "charged but not recorded: " + err.Error()
	}

	c.emit(ctx, "recurring.charged", d, models.PaymentSuccess)
	if c.Detached != nil && c.Sink != nil {
		c.Detached.Email(c.Sink, notify.DonationConfirmation, notify.Payload{
			To:        d.Email,
			Name:      d.Name,
			Amount:    d.Amount,
			Recurring: true,
			Reference: txID,
			HonorName: d.HonorName,
		})
	}
	return problem
}

// recordFailure keeps next_charge_date, so the donation stays due.
func (c *Cycle) recordFailure(ctx context.Context, d models.Donation, reason string) {
	err := c.Store.UpdateDonation(ctx, d.ID, ledger.Patch{
		"payment_status": models.PaymentFailed,
		"payment_error":  reason,
	})
	if err != nil {
		log.WithError(err).WithField("donation", d.ID).Warn("could not record recurring charge failure")
	}
	c.emit(ctx, "recurring.failed", d, models.PaymentFailed)
}

func (c *Cycle) emit(ctx context.Context, kind string, d models.Donation, status string) {
	if c.Events == nil {
		return
	}
	c.Events.Emit(ctx, models.LedgerEvent{
		Type:     kind,
		EntityID: d.ID,
		Name:     d.Name,
		Amount:   d.Amount,
		Status:   status,
	})
}
