// Package scheduler runs the recurring billing cycle in-process on a cron
// schedule, for deployments without an external scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"haven/billing"
)

type Scheduler struct {
	cron *cron.Cron
}

// Start registers the billing job. Specs use six fields, seconds first,
// e.g. "0 0 3 * * *" for 03:00 every day.
func Start(spec string, cycle *billing.Cycle, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() {
		log.Info("[CRON] starting recurring billing run")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		tally, err := cycle.Run(ctx, billing.Day(time.Now(), loc))
		switch {
		case errors.Is(err, billing.ErrAlreadyRunning):
			log.Info("[CRON] billing run skipped, another instance holds the lock")
		case err != nil:
			log.WithError(err).Error("[CRON] billing run failed")
		default:
			for _, e := range tally.Errors {
				log.WithField("date", tally.Date).Warn("[CRON] " + e)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: bad spec %q: %w", spec, err)
	}
	c.Start()
	log.WithField("spec", spec).Info("[CRON] recurring billing scheduled")
	return &Scheduler{cron: c}, nil
}

// Stop waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
