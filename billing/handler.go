package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/utils"
)

// Trigger exposes the cycle to an external scheduler.
type Trigger struct {
	Cycle *Cycle
	// Secret is the expected bearer token. When empty, only non-production
	// deployments accept unauthenticated calls.
	Secret     string
	Production bool
	Timeout    time.Duration
	Location   *time.Location
	Now        func() time.Time
}

func (t *Trigger) authorized(r *http.Request) bool {
	if t.Secret == "" {
		return !t.Production
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(t.Secret)) == 1
}

func (t *Trigger) today() string {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return Day(now(), t.Location)
}

// Handle runs the cycle and writes the tally. The run is detached from the
// caller's connection so a dropped scheduler request does not abort it midway.
func (t *Trigger) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !t.authorized(r) {
		utils.RespondWithError(w, http.StatusUnauthorized, "Unauthorized", utils.CodeUnauthorized)
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	// The server-wide WriteTimeout is sized for a single card payment.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(timeout + 30*time.Second)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.WithError(err).Warn("could not extend write deadline for billing run")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	tally, err := t.Cycle.Run(ctx, t.today())
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		utils.RespondWithError(w, http.StatusConflict, err.Error(), utils.CodeConflict)
		return
	case err != nil:
		log.WithError(err).Error("recurring billing run failed")
		utils.RespondWithError(w, http.StatusInternalServerError, "Recurring billing run failed", utils.CodeInternal)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"date":       tally.Date,
		"processed":  tally.Processed,
		"successful": tally.Successful,
		"failed":     tally.Failed,
		"skipped":    tally.Skipped,
		"errors":     tally.Errors,
	})
}
