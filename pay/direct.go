package pay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/gateway"
	"haven/pricing"
	"haven/utils"
)

// CardCharger is the raw-card path a gateway exposes in sandbox mode.
type CardCharger interface {
	ChargeCard(ctx context.Context, req gateway.DirectCardRequest) (gateway.Result, error)
}

// DirectCharge serves POST /api/sandbox/charge for exercising the gateway
// with test card numbers. It is only routed in sandbox deployments and the
// gateway refuses it everywhere else.
func DirectCharge(charger CardCharger) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var in struct {
			CardNumber  string  `json:"card_number"`
			ExpiryMonth int     `json:"expiry_month"`
			ExpiryYear  int     `json:"expiry_year"`
			CVV         string  `json:"cvv"`
			Amount      float64 `json:"amount"`
			Email       string  `json:"email"`
		}
		if err := utils.DecodeJSON(r, &in); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", utils.CodeValidation)
			return
		}
		amount, err := pricing.ComputeDonationAmount(in.Amount)
		if err != nil || strings.TrimSpace(in.CardNumber) == "" || in.ExpiryMonth < 1 || in.ExpiryMonth > 12 {
			utils.RespondWithError(w, http.StatusBadRequest, "Card number, expiry and a positive amount are required", utils.CodeValidation)
			return
		}
		result, err := charger.ChargeCard(r.Context(), gateway.DirectCardRequest{
			CardNumber:  strings.ReplaceAll(in.CardNumber, " ", ""),
			ExpiryMonth: in.ExpiryMonth,
			ExpiryYear:  in.ExpiryYear,
			CVV:         in.CVV,
			Amount:      amount,
			Email:       in.Email,
			Description: "Sandbox test charge",
		})
		if errors.Is(err, gateway.ErrSandboxOnly) {
			utils.RespondWithError(w, http.StatusForbidden, "Direct card charges are disabled", utils.CodeUnauthorized)
			return
		}
		if err != nil {
			log.WithError(err).Warn("sandbox charge failed")
			utils.RespondWithError(w, http.StatusBadGateway, gateway.UserMessage(gateway.CodePaymentFailed), gateway.CodePaymentFailed)
			return
		}
		if !result.Success {
			utils.RespondWithError(w, http.StatusPaymentRequired, gateway.UserMessage(result.Code), result.Code)
			return
		}
		utils.RespondOK(w, utils.M{"transactionId": result.TransactionID})
	}
}
