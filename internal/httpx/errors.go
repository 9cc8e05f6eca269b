package httpx

import (
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-core/internal/orders"
	"github.com/rs/zerolog/log"
)

type errorResp struct {
	Error     string      `json:"error"`
	Kind      orders.Kind `json:"kind,omitempty"`
	ProductID string      `json:"product_id,omitempty"`
	Required  int         `json:"required,omitempty"`
	Available *int        `json:"available,omitempty"`
	Status    string      `json:"status,omitempty"`
}

func statusFor(k orders.Kind) int {
	switch k {
	case orders.KindInvalidArgument:
		return http.StatusBadRequest
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindInsufficientStock, orders.KindOrderStatusConflict,
		orders.KindPaymentStatusConflict, orders.KindDuplicatePayment:
		return http.StatusConflict
	case orders.KindCouponInvalid, orders.KindCouponConditionNotMet,
		orders.KindPaymentAmountMismatch, orders.KindRefundExceedsPayment:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError maps business errors to 4xx with their detail; anything else is
// logged and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *orders.Error
	if !errors.As(err, &e) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
		return
	}
	resp := errorResp{Error: e.Error(), Kind: e.Kind, Status: string(e.Status)}
	if e.Kind == orders.KindInsufficientStock {
		available := e.Available
		resp.ProductID, resp.Required, resp.Available = e.ProductID, e.Required, &available
	}
	writeJSON(w, statusFor(e.Kind), resp)
}
