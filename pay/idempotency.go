// Package pay guards payment submissions against duplicate processing.
package pay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/models"
	"haven/utils"
)

const idempotencyTTL = 24 * time.Hour

func computeRequestHash(r *http.Request, bodyBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method + ":" + r.URL.Path + ":"))
	h.Write(bodyBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// CaptureResponseWriter wraps http.ResponseWriter to capture status and body.
type CaptureResponseWriter struct {
	w           http.ResponseWriter
	statusCode  int
	buf         bytes.Buffer
	wroteHeader bool
}

func NewCaptureResponseWriter(w http.ResponseWriter) *CaptureResponseWriter {
	return &CaptureResponseWriter{w: w, statusCode: http.StatusOK}
}

func (c *CaptureResponseWriter) Header() http.Header {
	return c.w.Header()
}

func (c *CaptureResponseWriter) WriteHeader(statusCode int) {
	if !c.wroteHeader {
		c.statusCode = statusCode
		c.w.WriteHeader(statusCode)
		c.wroteHeader = true
	}
}

func (c *CaptureResponseWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.buf.Write(b)
	return c.w.Write(b)
}

func (c *CaptureResponseWriter) Status() int      { return c.statusCode }
func (c *CaptureResponseWriter) BodyBytes() []byte { return c.buf.Bytes() }

// Idempotency makes a submission carrying an Idempotency-Key safe to retry.
//   - No header: pass-through.
//   - First use of a key: run the handler and store its response.
//   - Repeat with the same body: replay the stored response.
//   - Repeat with a different body: 409.
//   - Repeat while the first is still running: 409.
//
// Server errors are not stored, so the client may retry them.
func Idempotency(store ledger.Store) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next(w, r, ps)
				return
			}
			if len(key) > 128 {
				utils.RespondWithError(w, http.StatusBadRequest, "Idempotency-Key is too long", utils.CodeValidation)
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				utils.RespondWithError(w, http.StatusBadRequest, "Failed to read request body", utils.CodeValidation)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			reqHash := computeRequestHash(r, bodyBytes)
			now := time.Now().UTC()
			rec := models.IdempotencyRecord{
				Key:         key,
				Method:      r.Method,
				Path:        r.URL.Path,
				RequestHash: reqHash,
				CreatedAt:   now,
				ExpiresAt:   now.Add(idempotencyTTL),
			}

			ctx := r.Context()
			err = store.InsertIdempotency(ctx, rec)
			if err == nil {
				crw := NewCaptureResponseWriter(w)
				next(crw, r, ps)
				if crw.Status() >= http.StatusInternalServerError {
					if err := store.ReleaseIdempotency(ctx, key); err != nil {
						log.WithError(err).WithField("key", key).Warn("idempotency: release key")
					}
					return
				}
				if err := store.CompleteIdempotency(ctx, key, crw.Status(), string(crw.BodyBytes())); err != nil {
					log.WithError(err).WithField("key", key).Warn("idempotency: store response")
				}
				return
			}
			if !errors.Is(err, ledger.ErrDuplicate) {
				log.WithError(err).Error("idempotency: reserve key")
				utils.RespondWithError(w, http.StatusInternalServerError, "Idempotency lookup error", utils.CodeInternal)
				return
			}

			existing, err := store.GetIdempotency(ctx, key)
			if err != nil {
				utils.RespondWithError(w, http.StatusInternalServerError, "Idempotency lookup error", utils.CodeInternal)
				return
			}
			if existing.RequestHash != reqHash {
				utils.RespondWithError(w, http.StatusConflict, "Idempotency-Key was already used for a different request", utils.CodeConflict)
				return
			}
			if !existing.Completed {
				utils.RespondWithError(w, http.StatusConflict, "This request is still being processed", utils.CodeConflict)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.Status)
			_, _ = w.Write([]byte(existing.Body))
		}
	}
}
